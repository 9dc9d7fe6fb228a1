package engine

// Privileged permissions and the roles allowed to hold them are fixed sets;
// any role outside the allowed set requesting a privileged permission is an
// escalation attempt.
var privilegedPermissions = map[string]bool{
	"admin":             true,
	"manage_users":      true,
	"manage_roles":      true,
	"delete_audit_logs": true,
	"system_config":     true,
	"export_all_data":   true,
}

var nonPrivilegedRoles = map[string]bool{
	"user":       true,
	"viewer":     true,
	"contractor": true,
	"guest":      true,
}

// isEscalationAttempt reports whether the role/permission pair violates the
// fixed privilege boundary.
func isEscalationAttempt(permission, currentRole string) bool {
	return privilegedPermissions[permission] && nonPrivilegedRoles[currentRole]
}
