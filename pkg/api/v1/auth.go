package v1

// Role identifies a caller class on the hub API.
type Role string

const (
	RoleSubmitter Role = "submitter"
	RoleWorker    Role = "worker"
	RoleAuditor   Role = "auditor"
	RoleAdmin     Role = "admin"
)

// Permission names a single authorized operation class.
type Permission string

const (
	PermCreate       Permission = "create"
	PermAssign       Permission = "assign"
	PermReportResult Permission = "report_result"
	PermReplayDLQ    Permission = "replay_dlq"
	PermReadAll      Permission = "read_all"
)

// RolePermissions maps each role to the permissions it carries.
var RolePermissions = map[Role][]Permission{
	RoleSubmitter: {PermCreate, PermReadAll},
	RoleWorker:    {PermReportResult, PermReadAll, PermAssign},
	RoleAuditor:   {PermReadAll},
	RoleAdmin:     {PermCreate, PermAssign, PermReportResult, PermReplayDLQ, PermReadAll},
}

// HasPermission reports whether the role carries the permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
