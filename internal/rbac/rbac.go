// Package rbac is the pure access-policy table: role x operation -> allow.
// It knows nothing about storage or sessions; callers resolve the caller's
// membership first and re-evaluate on every request.
package rbac

type Role string
type Operation string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

const (
	OpReadProject      Operation = "read_project"
	OpWriteProject     Operation = "write_project"
	OpDeleteProject    Operation = "delete_project"
	OpReadMembers      Operation = "read_members"
	OpManageMembers    Operation = "manage_members"
	OpReadInvitations  Operation = "read_invitations"
	OpCreateInvitation Operation = "create_invitation"
)

// Can reports whether a role is allowed to perform an operation.
// An empty role (no accepted membership) is denied everything.
func Can(role Role, op Operation) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		switch op {
		case OpReadProject, OpWriteProject, OpReadMembers, OpReadInvitations, OpCreateInvitation:
			return true
		}
		return false
	case RoleViewer:
		return op == OpReadProject || op == OpReadMembers
	default:
		return false
	}
}

// Valid reports whether role is one of the three known roles.
func Valid(role Role) bool {
	return role == RoleOwner || role == RoleEditor || role == RoleViewer
}

// Invitable reports whether a role may be granted through an invitation.
// Ownership is never granted by invitation.
func Invitable(role Role) bool {
	return role == RoleEditor || role == RoleViewer
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}
