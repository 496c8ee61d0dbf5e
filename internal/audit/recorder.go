package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/apistudio/server/internal/models"
)

// RequestInfo is the client address metadata attached to every row.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// FromRequest extracts the client IP, preferring X-Forwarded-For, then
// X-Real-IP, then the socket address.
func FromRequest(r *http.Request) RequestInfo {
	info := RequestInfo{UserAgent: r.UserAgent()}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		info.IP = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if real := r.Header.Get("X-Real-IP"); real != "" {
		info.IP = real
	} else {
		host := r.RemoteAddr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		info.IP = host
	}
	return info
}

// Entry is one event to record.
type Entry struct {
	UserID       *uint
	Action       string
	ResourceType string
	ResourceID   *uint
	Details      map[string]any
	Request      RequestInfo
}

// Recorder writes audit rows synchronously so the row exists before the
// triggering response is sent, and mirrors each row to an optional
// asynchronous sink for log shipping.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
	tap    *Dispatcher
}

func NewRecorder(db *gorm.DB, logger *zap.Logger, tap *Dispatcher) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger, tap: tap}
}

// Log persists the entry. Failures are logged and swallowed; an audit
// write must never fail the operation it describes.
func (r *Recorder) Log(ctx context.Context, entry Entry) {
	details := ""
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			r.logger.Warn("audit details not serializable", zap.String("action", entry.Action), zap.Error(err))
		} else {
			details = string(raw)
		}
	}

	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      details,
		IPAddress:    entry.Request.IP,
		UserAgent:    entry.Request.UserAgent,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Error("audit write failed", zap.String("action", entry.Action), zap.Error(err))
		return
	}

	r.tap.Emit(Event{
		Timestamp:    row.CreatedAt,
		Action:       entry.Action,
		UserID:       entry.UserID,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		IP:           entry.Request.IP,
		Details:      entry.Details,
	})
}

// LogAuthentication records a login-adjacent event, resolving the acting
// user by email when the account exists.
func (r *Recorder) LogAuthentication(ctx context.Context, email, action string, success bool, details map[string]any, req RequestInfo) {
	var userID *uint
	var user models.User
	err := r.db.WithContext(ctx).Select("id").Where("email = ?", email).First(&user).Error
	if err == nil {
		userID = &user.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.logger.Warn("audit user lookup failed", zap.Error(err))
	}

	merged := map[string]any{"email": email, "success": success}
	for k, v := range details {
		merged[k] = v
	}

	r.Log(ctx, Entry{
		UserID:       userID,
		Action:       action,
		ResourceType: ResourceAuthentication,
		Details:      merged,
		Request:      req,
	})
}

// LogUserManagement records an administrative action against a target
// user.
func (r *Recorder) LogUserManagement(ctx context.Context, actorID uint, action string, targetID *uint, targetEmail string, details map[string]any, req RequestInfo) {
	merged := map[string]any{"target_email": targetEmail}
	for k, v := range details {
		merged[k] = v
	}

	r.Log(ctx, Entry{
		UserID:       &actorID,
		Action:       action,
		ResourceType: ResourceUserManagement,
		ResourceID:   targetID,
		Details:      merged,
		Request:      req,
	})
}

// LogSecurity records a security-relevant event with no specific target.
func (r *Recorder) LogSecurity(ctx context.Context, userID *uint, action string, details map[string]any, req RequestInfo) {
	r.Log(ctx, Entry{
		UserID:       userID,
		Action:       action,
		ResourceType: ResourceSecurity,
		Details:      details,
		Request:      req,
	})
}

// Filter narrows a Query. Zero values mean no constraint.
type Filter struct {
	UserID       *uint
	Action       string
	ResourceType string
	Limit        int
	Offset       int
}

// Query returns matching rows newest first plus the unpaginated total.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]models.AuditLog, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows []models.AuditLog
	err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
