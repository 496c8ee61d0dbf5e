package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds. Every token carries its kind in the "type" claim and
// every decode path asserts it, so a temporary token can never pass as a
// session and vice versa.
const (
	TypeSession   = "session"
	TypeTemporary = "temporary"
	TypeReset     = "reset"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongType    = errors.New("wrong token type")
	ErrWrongPurpose = errors.New("wrong token purpose")
	ErrEmptySecret  = errors.New("jwt secret must not be empty")
)

// Claims covers all three token kinds. Session tokens populate the
// identity fields; temporary tokens carry a purpose and whatever the flow
// staged; reset tokens carry just the target user.
type Claims struct {
	TokenType    string   `json:"type"`
	UserID       uint     `json:"user_id,omitempty"`
	Email        string   `json:"email,omitempty"`
	Role         string   `json:"role,omitempty"`
	Name         string   `json:"name,omitempty"`
	Purpose      string   `json:"purpose,omitempty"`
	Step         string   `json:"step,omitempty"`
	InvitationID uint     `json:"invitation_id,omitempty"`
	BackupCodes  []string `json:"backup_codes,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret []byte
	issuer string
}

func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Manager{secret: []byte(secret), issuer: issuer}, nil
}

// CreateSession issues a session token for an authenticated user.
func (m *Manager) CreateSession(userID uint, email, role, name string, ttl time.Duration) (string, error) {
	claims := Claims{
		TokenType: TypeSession,
		UserID:    userID,
		Email:     email,
		Role:      role,
		Name:      name,
	}
	return m.sign(claims, ttl)
}

// CreateTemporary issues a short-lived token tagged with a flow purpose
// (admin_setup, 2fa_setup, collaborator_setup, ...). The returned token
// authorizes only the next step of that flow.
func (m *Manager) CreateTemporary(claims Claims, ttl time.Duration) (string, error) {
	claims.TokenType = TypeTemporary
	return m.sign(claims, ttl)
}

// CreateReset issues a password reset token for the given user.
func (m *Manager) CreateReset(userID uint, email string, ttl time.Duration) (string, error) {
	claims := Claims{
		TokenType: TypeReset,
		UserID:    userID,
		Email:     email,
	}
	return m.sign(claims, ttl)
}

// VerifySession parses and validates a session token.
func (m *Manager) VerifySession(tokenStr string) (*Claims, error) {
	return m.verify(tokenStr, TypeSession)
}

// VerifyTemporary parses a temporary token and asserts its purpose.
func (m *Manager) VerifyTemporary(tokenStr, purpose string) (*Claims, error) {
	claims, err := m.verify(tokenStr, TypeTemporary)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}

// VerifyReset parses and validates a password reset token.
func (m *Manager) VerifyReset(tokenStr string) (*Claims, error) {
	return m.verify(tokenStr, TypeReset)
}

// TokenType inspects the type claim without validating the signature.
// Never use the result for authorization; it exists for diagnostics.
func TokenType(tokenStr string) string {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	return claims.TokenType
}

// IsExpired reports whether an otherwise well-formed token is past its
// expiry, without validating the signature.
func IsExpired(tokenStr string) bool {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Time.Before(time.Now())
}

func (m *Manager) sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    m.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) verify(tokenStr, wantType string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrWrongType
	}
	return claims, nil
}
