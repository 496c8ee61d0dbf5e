package rbac

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/apistudio/server/internal/models"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether the role is one of the defined values.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Permission is the closed set of grantable capabilities.
type Permission string

const (
	PermManageUsers Permission = "manage_users"
	PermInviteUsers Permission = "invite_users"
	PermViewUsers   Permission = "view_users"

	PermCreateWorkspace Permission = "create_workspace"
	PermEditWorkspace   Permission = "edit_workspace"
	PermDeleteWorkspace Permission = "delete_workspace"
	PermViewWorkspace   Permission = "view_workspace"

	PermCreateCollection Permission = "create_collection"
	PermEditCollection   Permission = "edit_collection"
	PermDeleteCollection Permission = "delete_collection"
	PermViewCollection   Permission = "view_collection"

	PermCreateRequest Permission = "create_request"
	PermEditRequest   Permission = "edit_request"
	PermDeleteRequest Permission = "delete_request"
	PermViewRequest   Permission = "view_request"
	PermSendRequest   Permission = "send_request"

	PermCreateEnvironment Permission = "create_environment"
	PermEditEnvironment   Permission = "edit_environment"
	PermDeleteEnvironment Permission = "delete_environment"
	PermViewEnvironment   Permission = "view_environment"

	PermViewAuditLogs Permission = "view_audit_logs"
	PermManageSystem  Permission = "manage_system"
)

var contentPermissions = []Permission{
	PermCreateWorkspace, PermEditWorkspace, PermDeleteWorkspace, PermViewWorkspace,
	PermCreateCollection, PermEditCollection, PermDeleteCollection, PermViewCollection,
	PermCreateRequest, PermEditRequest, PermDeleteRequest, PermViewRequest, PermSendRequest,
	PermCreateEnvironment, PermEditEnvironment, PermDeleteEnvironment, PermViewEnvironment,
}

var rolePermissions = map[Role][]Permission{
	RoleAdmin: append([]Permission{
		PermManageUsers, PermInviteUsers, PermViewUsers,
		PermViewAuditLogs, PermManageSystem,
	}, contentPermissions...),
	RoleEditor: contentPermissions,
	RoleViewer: {
		PermViewWorkspace, PermViewCollection, PermViewRequest,
		PermViewEnvironment, PermSendRequest,
	},
}

// Authorizer answers permission and resource-ownership questions. In
// local mode every check passes; there is exactly one implicit user.
type Authorizer struct {
	db        *gorm.DB
	localMode bool
}

func NewAuthorizer(db *gorm.DB, localMode bool) *Authorizer {
	return &Authorizer{db: db, localMode: localMode}
}

// HasPermission reports whether the role grants the permission.
func (a *Authorizer) HasPermission(role Role, perm Permission) bool {
	if a.localMode {
		return true
	}
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Permissions returns the role's grant list, a copy callers may mutate.
func Permissions(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// CanAccessWorkspace checks the permission plus ownership. Admins reach
// every workspace; others only workspaces they own.
func (a *Authorizer) CanAccessWorkspace(ctx context.Context, userID uint, role Role, perm Permission, workspaceID uint) (bool, error) {
	if a.localMode {
		return true, nil
	}
	if !a.HasPermission(role, perm) {
		return false, nil
	}
	if role == RoleAdmin {
		return true, nil
	}

	var ws models.Workspace
	err := a.db.WithContext(ctx).Select("owner_id").First(&ws, workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ws.OwnerID == userID, nil
}

// CanAccessCollection delegates to the owning workspace.
func (a *Authorizer) CanAccessCollection(ctx context.Context, userID uint, role Role, perm Permission, collectionID uint) (bool, error) {
	if a.localMode {
		return true, nil
	}

	var col models.Collection
	err := a.db.WithContext(ctx).Select("workspace_id").First(&col, collectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.CanAccessWorkspace(ctx, userID, role, perm, col.WorkspaceID)
}

// CanAccessRequest delegates through the collection to the workspace.
func (a *Authorizer) CanAccessRequest(ctx context.Context, userID uint, role Role, perm Permission, requestID uint) (bool, error) {
	if a.localMode {
		return true, nil
	}

	var req models.RequestDef
	err := a.db.WithContext(ctx).Select("collection_id").First(&req, requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.CanAccessCollection(ctx, userID, role, perm, req.CollectionID)
}
