package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleCollector  = "collector"
	RoleAnalyst    = "analyst"
	RoleService    = "service" // hidden role for machine callers
)

// Roles lists every role a token may carry.
func Roles() []string {
	return []string{RoleAdmin, RoleSupervisor, RoleCollector, RoleAnalyst, RoleService}
}

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }
