package server

// Role is the coarse authorization level stored per user. It is stamped into
// the session token at issue time; a role change takes effect on the next
// sign-in, not retroactively.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleNonAdmin Role = "non_admin"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleNonAdmin
}

// Authentication methods recorded on a user.
const (
	AuthMethodWSSO            = "wsso"
	AuthMethodTransparentLock = "transparent_lock"
)

// UserInfo is the identity record carried inside session tokens and stored
// in the user directory. Fields beyond Subject may be absent depending on
// the auth method: transparent-lock users carry a synthesized email and no
// BEMS ID, provider users carry whatever claims the upstream returned.
type UserInfo struct {
	Subject         string `json:"sub"`
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
	GivenName       string `json:"given_name,omitempty"`
	FamilyName      string `json:"family_name,omitempty"`
	BemsID          string `json:"bemsid,omitempty"`
	AuthMethod      string `json:"auth_method,omitempty"`
	AuthenticatedAt string `json:"authenticated_at,omitempty"`
	Role            Role   `json:"role,omitempty"`
}
