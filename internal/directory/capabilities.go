package directory

import (
	apperrors "github.com/openidx/identityd/internal/common/errors"
)

// Capability names, used in unsupported-capability errors and descriptor overrides
const (
	CapAdminChangePassword       = "AdminChangePassword"
	CapChangePassword            = "ChangePassword"
	CapGroupAdministration       = "GroupAdministration"
	CapGroupMemberAdministration = "GroupMemberAdministration"
	CapPasswordExpiry            = "PasswordExpiry"
	CapPasswordHistory           = "PasswordHistory"
	CapUserAdministration        = "UserAdministration"
	CapUserLocks                 = "UserLocks"
)

// Capabilities declares which administrative operations a backend supports
type Capabilities struct {
	AdminChangePassword       bool `json:"admin_change_password"`
	ChangePassword            bool `json:"change_password"`
	GroupAdministration       bool `json:"group_administration"`
	GroupMemberAdministration bool `json:"group_member_administration"`
	PasswordExpiry            bool `json:"password_expiry"`
	PasswordHistory           bool `json:"password_history"`
	UserAdministration        bool `json:"user_administration"`
	UserLocks                 bool `json:"user_locks"`
}

// AllCapabilities is the capability set of a backend that supports everything
func AllCapabilities() Capabilities {
	return Capabilities{
		AdminChangePassword:       true,
		ChangePassword:            true,
		GroupAdministration:       true,
		GroupMemberAdministration: true,
		PasswordExpiry:            true,
		PasswordHistory:           true,
		UserAdministration:        true,
		UserLocks:                 true,
	}
}

// Supports reports whether the named capability is enabled
func (c Capabilities) Supports(name string) bool {
	switch name {
	case CapAdminChangePassword:
		return c.AdminChangePassword
	case CapChangePassword:
		return c.ChangePassword
	case CapGroupAdministration:
		return c.GroupAdministration
	case CapGroupMemberAdministration:
		return c.GroupMemberAdministration
	case CapPasswordExpiry:
		return c.PasswordExpiry
	case CapPasswordHistory:
		return c.PasswordHistory
	case CapUserAdministration:
		return c.UserAdministration
	case CapUserLocks:
		return c.UserLocks
	}
	return false
}

// require fails with an unsupported-capability error when any named capability is disabled
func (c Capabilities) require(directoryID string, names ...string) error {
	for _, name := range names {
		if !c.Supports(name) {
			return apperrors.Unsupported(directoryID, name)
		}
	}
	return nil
}
