package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	// RoleSupport may read reconciliation reports but never mutate credits.
	RoleSupport = "support" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
