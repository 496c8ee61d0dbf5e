package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/apistudio/server/internal/admin"
	"github.com/apistudio/server/internal/auth"
	"github.com/apistudio/server/internal/bootstrap"
	"github.com/apistudio/server/internal/otpflow"
	"github.com/apistudio/server/internal/password"
	"github.com/apistudio/server/internal/respond"
	"github.com/apistudio/server/internal/token"
)

// writeError maps service sentinels to the error envelope. Anything
// unmapped is an internal error and never leaks its message.
func writeError(c *gin.Context, err error) {
	var policyErr *password.PolicyError
	if errors.As(err, &policyErr) {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation,
			strings.Join(policyErr.Violations, "; "))
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respond.Error(c, http.StatusUnauthorized, respond.CodeInvalidCredentials, err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		respond.Error(c, http.StatusForbidden, respond.CodeAccountLocked, err.Error())
	case errors.Is(err, auth.ErrAccountInactive):
		respond.Error(c, http.StatusForbidden, respond.CodeAccountInactive, err.Error())
	case errors.Is(err, auth.ErrInvalid2FACode) || errors.Is(err, bootstrap.ErrInvalid2FACode):
		respond.Error(c, http.StatusUnauthorized, respond.CodeInvalid2FA, "invalid two-factor code")
	case errors.Is(err, auth.ErrRegistrationDisabled):
		respond.Error(c, http.StatusForbidden, respond.CodeRegistrationClosed, err.Error())

	case errors.Is(err, auth.ErrWrongPassword),
		errors.Is(err, auth.ErrPasswordReuse),
		errors.Is(err, auth.ErrTwoFactorEnabled),
		errors.Is(err, auth.ErrTwoFactorNotEnabled),
		errors.Is(err, auth.ErrTwoFactorNotStaged):
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, err.Error())

	case errors.Is(err, auth.ErrPasswordMismatch),
		errors.Is(err, bootstrap.ErrPasswordMismatch),
		errors.Is(err, admin.ErrPasswordMismatch):
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "passwords do not match")

	case errors.Is(err, auth.ErrUserExists),
		errors.Is(err, bootstrap.ErrUserExists),
		errors.Is(err, admin.ErrUserExists):
		respond.Error(c, http.StatusConflict, respond.CodeConflict, "an account with this email already exists")

	case errors.Is(err, bootstrap.ErrSystemNotLocked):
		respond.Error(c, http.StatusBadRequest, respond.CodeSystemNotLocked, "an administrator already exists")
	case errors.Is(err, bootstrap.ErrSystemLocked):
		respond.Error(c, http.StatusServiceUnavailable, respond.CodeSystemLocked, err.Error())
	case errors.Is(err, bootstrap.ErrInvalidToken):
		respond.Error(c, http.StatusBadRequest, respond.CodeInvalidToken, "invalid bootstrap token")
	case errors.Is(err, bootstrap.ErrSMTPUnavailable):
		respond.Error(c, http.StatusBadRequest, respond.CodeSMTPUnavailable,
			"email server is unreachable; bootstrap cannot proceed")
	case errors.Is(err, bootstrap.ErrWrongStatus):
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "account is not awaiting 2FA setup")

	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, bootstrap.ErrUserNotFound),
		errors.Is(err, admin.ErrUserNotFound):
		respond.Error(c, http.StatusNotFound, respond.CodeNotFound, "user not found")

	case errors.Is(err, otpflow.ErrOTPNotFound),
		errors.Is(err, otpflow.ErrOTPExpired),
		errors.Is(err, otpflow.ErrOTPMismatch),
		errors.Is(err, otpflow.ErrOTPTooManyAttempts):
		respond.Error(c, http.StatusBadRequest, respond.CodeOTPInvalid, err.Error())

	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrWrongType),
		errors.Is(err, token.ErrWrongPurpose):
		respond.Error(c, http.StatusUnauthorized, respond.CodeInvalidToken, "invalid or expired token")

	case errors.Is(err, admin.ErrInvalidRole):
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "role must be admin, editor or viewer")
	case errors.Is(err, admin.ErrInvitationPending):
		respond.Error(c, http.StatusBadRequest, respond.CodeConflict, err.Error())
	case errors.Is(err, admin.ErrInvitationNotFound), errors.Is(err, admin.ErrInvitationExpired):
		respond.Error(c, http.StatusBadRequest, respond.CodeInvitationInvalid, err.Error())
	case errors.Is(err, admin.ErrSelfModification):
		respond.Error(c, http.StatusForbidden, respond.CodeSelfModification, err.Error())
	case errors.Is(err, admin.ErrLastAdmin):
		respond.Error(c, http.StatusForbidden, respond.CodeLastAdminProtection, err.Error())

	default:
		respond.Error(c, http.StatusInternalServerError, respond.CodeServerError, "internal error")
	}
}
