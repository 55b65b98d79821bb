package auth

import "strings"

// Role is a caller role carried in the token's role claim.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleRanks orders roles; a higher rank satisfies every lower requirement.
var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole trims and lower-cases value and reports whether it names a
// known role.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role satisfies required. Unknown roles never do.
func RoleAtLeast(role Role, required Role) bool {
	rank, ok := roleRanks[role]
	return ok && rank >= roleRanks[required]
}
