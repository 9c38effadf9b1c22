package auth

// Role is the access level carried in a token's role claim.
type Role string

// Roles, least to most privileged. Viewers read fleet state, operators
// drive zones and sessions, admins manage registrations and firmware.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLadder = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole maps a claim string onto a known role.
func ParseRole(value string) (Role, bool) {
	role := Role(value)
	_, ok := roleLadder[role]
	return role, ok
}

// Allows reports whether the role grants at least the required level. An
// unknown role grants nothing.
func (r Role) Allows(required Role) bool {
	rank, ok := roleLadder[r]
	if !ok {
		return false
	}
	return rank >= roleLadder[required]
}
