package rbac

import "time"

type Role string
type Action string

const (
	RoleGuest     Role = "guest"
	RoleMember    Role = "member"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

const (
	EditWindow   = 5 * time.Minute
	DeleteWindow = 30 * time.Minute
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOrganizer:
		return action == ActionRead || action == ActionPost || action == ActionModerate
	case RoleMember:
		return action == ActionRead || action == ActionPost
	case RoleGuest:
		return action == ActionRead
	default:
		return false
	}
}

// CanAny reports whether any of roles grants action.
func CanAny(roles []string, action Action) bool {
	for _, role := range roles {
		if Can(Normalize(role), action) {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleMember, RoleOrganizer, RoleAdmin:
		return Role(role)
	default:
		return RoleGuest
	}
}

// Subject is the identity permissions are computed for. The zero value is an
// anonymous viewer.
type Subject struct {
	UserID string
	Roles  []string
}

func (s Subject) HasRole(role Role) bool {
	for _, r := range s.Roles {
		if Role(r) == role {
			return true
		}
	}
	return false
}

type Permissions struct {
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
	IsAuthor  bool `json:"isAuthor"`
	IsAdmin   bool `json:"isAdmin"`
}

// ComputePermissions applies the authoring windows: authors may edit for
// EditWindow and delete for DeleteWindow after createdAt; admins always may.
func ComputePermissions(authorID string, createdAt time.Time, subject Subject, now time.Time) Permissions {
	isAuthor := subject.UserID != "" && subject.UserID == authorID
	isAdmin := subject.HasRole(RoleAdmin)
	elapsed := now.Sub(createdAt)
	return Permissions{
		CanEdit:   isAdmin || (isAuthor && elapsed < EditWindow),
		CanDelete: isAdmin || (isAuthor && elapsed < DeleteWindow),
		IsAuthor:  isAuthor,
		IsAdmin:   isAdmin,
	}
}
