package storage

// Role is the closed set of membership roles. Capability checks live here
// so that "who may do what" is not re-decided at every call site.
type Role string

const (
	RoleMember           Role = "member"
	RoleSmallGroupLeader Role = "small_group_leader"
	RoleZoneLeader       Role = "zone_leader"
	RolePastor           Role = "pastor"
	RoleAdmin            Role = "admin"
)

// Capability names an action a role may or may not perform.
type Capability int

const (
	// CapManageMembers covers creating memberships and changing roles.
	CapManageMembers Capability = iota
	// CapModerateJournals covers commenting on pastoral journals.
	CapModerateJournals
)

var capabilities = map[Role]map[Capability]bool{
	RoleMember:           {},
	RoleSmallGroupLeader: {CapModerateJournals: true},
	RoleZoneLeader:       {CapModerateJournals: true},
	RolePastor:           {CapManageMembers: true, CapModerateJournals: true},
	RoleAdmin:            {CapManageMembers: true, CapModerateJournals: true},
}

// Valid reports whether r is one of the five known roles.
func (r Role) Valid() bool {
	_, ok := capabilities[r]
	return ok
}

// Can reports whether the role grants the capability. Unknown roles grant
// nothing.
func (r Role) Can(c Capability) bool {
	return capabilities[r][c]
}
