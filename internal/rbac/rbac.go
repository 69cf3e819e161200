package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionModerate Action = "moderate"
	ActionManage   Action = "manage"
)

// Can reports the role-level capability. Ownership checks (author of a
// message or channel) happen in the service layer on top of this.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}
