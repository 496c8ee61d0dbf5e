// Package respond writes the wire envelopes shared by handlers and
// middleware. Every error body has the same shape so clients never
// branch on status code alone.
package respond

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Error codes carried in the error envelope.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeInvalid2FA          = "INVALID_2FA_CODE"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeMissingToken        = "MISSING_TOKEN"
	CodeForbidden           = "FORBIDDEN"
	CodeAdminRequired       = "ADMIN_REQUIRED"
	CodeEditorRequired      = "EDITOR_REQUIRED"
	CodeSystemLocked        = "SYSTEM_LOCKED"
	CodeSystemNotLocked     = "SYSTEM_NOT_LOCKED"
	CodeSMTPUnavailable     = "SMTP_UNAVAILABLE"
	CodeOTPInvalid          = "OTP_INVALID"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeRegistrationClosed  = "REGISTRATION_DISABLED"
	CodeInvitationInvalid   = "INVITATION_INVALID"
	CodeLastAdminProtection = "LAST_ADMIN_PROTECTION"
	CodeSelfModification    = "SELF_MODIFICATION"
	CodeServerError         = "SERVER_ERROR"
)

// OK writes data with success:true folded in.
func OK(c *gin.Context, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Error writes the error envelope without aborting the chain.
func Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success":   false,
		"error":     code,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AbortError writes the error envelope and stops the handler chain.
func AbortError(c *gin.Context, status int, code, message string) {
	Error(c, status, code, message)
	c.Abort()
}

// RateLimited writes a 429 with the Retry-After header set from the
// limiter's decision.
func RateLimited(c *gin.Context, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", secs))
	AbortError(c, http.StatusTooManyRequests, CodeRateLimited,
		fmt.Sprintf("too many attempts, retry in %d seconds", secs))
}
