package auth

import "fmt"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read status and the via-tag directory.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally inject frames onto the bus.
	RoleOperator Role = "operator"

	// RoleAdmin can also change the via-tag directory and read the audit log.
	RoleAdmin Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleOperator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermStatusRead    Permission = "status:read"
	PermLiveRead      Permission = "live:read"
	PermViaTagsRead   Permission = "viatags:read"
	PermViaTagsManage Permission = "viatags:manage"
	PermBusWrite      Permission = "bus:write"
	PermAuditRead     Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStatusRead,
		PermLiveRead,
		PermViaTagsRead,
	},
	RoleOperator: {
		PermStatusRead,
		PermLiveRead,
		PermViaTagsRead,
		PermBusWrite,
	},
	RoleAdmin: {
		PermStatusRead,
		PermLiveRead,
		PermViaTagsRead,
		PermViaTagsManage,
		PermBusWrite,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
