package audit

// Audit action names. Rows are append-only; never rename a constant that
// has shipped, add a new one.
const (
	ActionLoginSuccess           = "login_success"
	ActionLoginFailed            = "login_failed"
	ActionLogout                 = "logout"
	ActionAccountLocked          = "account_locked"
	ActionPasswordChanged        = "password_changed"
	ActionPasswordChangeFailed   = "password_change_failed"
	ActionPasswordResetRequested = "password_reset_requested"
	ActionPasswordResetCompleted = "password_reset_completed"

	ActionBootstrapInitiated = "bootstrap_initiated"
	ActionBootstrapCompleted = "bootstrap_completed"
	ActionAdminPasswordSet   = "admin_password_set"
	ActionAdminSetupComplete = "admin_setup_completed"

	ActionTwoFactorEnabled       = "2fa_enabled"
	ActionTwoFactorDisabled      = "2fa_disabled"
	ActionTwoFactorSetupStarted  = "2fa_setup_initiated"
	ActionTwoFactorDisableFailed = "2fa_disable_failed"
	ActionBackupCodesGenerated   = "2fa_backup_codes_generated"
	ActionBackupCodeUsed         = "2fa_backup_code_used"

	ActionUserInvited            = "user_invited"
	ActionUserInviteFailed       = "user_invite_failed"
	ActionUserInvitationAccepted = "user_invitation_accepted"
	ActionUserRoleChanged        = "user_role_changed"
	ActionRoleUpdateFailed       = "role_update_failed"
	ActionUserRemoved            = "user_removed"
	ActionUserRemovalFailed      = "user_removal_failed"
	ActionUserRegistered         = "user_registered"

	ActionRateLimitExceeded  = "rate_limit_exceeded"
	ActionSuspiciousActivity = "suspicious_activity"
)

// Resource types.
const (
	ResourceAuthentication = "authentication"
	ResourceUserManagement = "user_management"
	ResourceSecurity       = "security"
)
