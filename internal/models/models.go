package models

import "time"

// User account statuses. StatusSuspended is reserved for an admin
// suspension path; nothing assigns it yet, but status checks already
// treat any non-active value as unable to log in.
const (
	StatusActive     = "active"
	StatusPending2FA = "pending_2fa"
	StatusSuspended  = "suspended"
)

// User is an authenticated account. BackupCodes holds the JSON-encoded
// hashed backup code records managed by the totp package; nothing else
// writes that column.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:64;uniqueIndex;not null"`
	Email        string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	Name         string `gorm:"size:128"`
	Role         string `gorm:"size:16;not null;index"`
	Status       string `gorm:"size:16;not null;default:active;index"`

	TwoFactorEnabled bool   `gorm:"default:false"`
	TwoFactorSecret  string `gorm:"size:64"`
	BackupCodes      string `gorm:"type:text"`

	RequiresPasswordChange bool `gorm:"default:false"`
	FailedLoginAttempts    int  `gorm:"default:0"`
	LockedUntil            *time.Time
	LastLoginAt            *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Invitation is a pending collaborator invite. The matching OTP lives in
// OTPCode with purpose "invitation".
type Invitation struct {
	ID         uint   `gorm:"primaryKey"`
	Email      string `gorm:"size:255;not null;index"`
	Role       string `gorm:"size:16;not null"`
	InvitedBy  uint   `gorm:"not null"`
	ExpiresAt  time.Time
	Accepted   bool `gorm:"default:false"`
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// OTP purposes.
const (
	OTPPurposeBootstrap  = "bootstrap"
	OTPPurposeReset      = "forgot_password"
	OTPPurposeInvitation = "invitation"
)

// OTPCode is a single emailed one-time code. Attempts counts failed
// verifications; the row is consumed by setting Used.
type OTPCode struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"size:255;not null;index:idx_otp_email_purpose"`
	Code      string `gorm:"size:8;not null"`
	Purpose   string `gorm:"size:32;not null;index:idx_otp_email_purpose"`
	ExpiresAt time.Time
	Used      bool `gorm:"default:false"`
	Attempts  int  `gorm:"default:0"`
	CreatedAt time.Time
}

// AuditLog is an append-only security event row. Details is a JSON object
// serialized by the audit package.
type AuditLog struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       *uint  `gorm:"index"`
	Action       string `gorm:"size:64;not null;index"`
	ResourceType string `gorm:"size:32;index"`
	ResourceID   *uint
	Details      string    `gorm:"type:text"`
	IPAddress    string    `gorm:"size:64"`
	UserAgent    string    `gorm:"size:255"`
	CreatedAt    time.Time `gorm:"index"`
}

// Workspace, Collection and RequestDef carry only the ownership chain the
// authorization checks walk; their content lives outside this service.
type Workspace struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128"`
	OwnerID   uint   `gorm:"not null;index"`
	CreatedAt time.Time
}

type Collection struct {
	ID          uint   `gorm:"primaryKey"`
	WorkspaceID uint   `gorm:"not null;index"`
	Name        string `gorm:"size:128"`
	CreatedAt   time.Time
}

type RequestDef struct {
	ID           uint   `gorm:"primaryKey"`
	CollectionID uint   `gorm:"not null;index"`
	Name         string `gorm:"size:128"`
	CreatedAt    time.Time
}
