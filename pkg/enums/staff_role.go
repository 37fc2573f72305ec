package enums

import "fmt"

// StaffRole scopes what an authenticated office staff member may do.
type StaffRole string

const (
	StaffRoleAdmin   StaffRole = "admin"
	StaffRoleManager StaffRole = "manager"
	StaffRoleMember  StaffRole = "member"
)

// IsValid reports whether the role is one of the known values.
func (r StaffRole) IsValid() bool {
	switch r {
	case StaffRoleAdmin, StaffRoleManager, StaffRoleMember:
		return true
	default:
		return false
	}
}

// CanManageBilling reports whether the role may start checkouts, cancel
// subscriptions, or change plan settings for the office.
func (r StaffRole) CanManageBilling() bool {
	return r == StaffRoleAdmin || r == StaffRoleManager
}

// ParseStaffRole converts raw input into a StaffRole.
func ParseStaffRole(raw string) (StaffRole, error) {
	role := StaffRole(raw)
	if !role.IsValid() {
		return "", fmt.Errorf("invalid staff role %q", raw)
	}
	return role, nil
}
