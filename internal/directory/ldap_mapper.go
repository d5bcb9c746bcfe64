package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ldapConfig is the parsed parameter set of an LDAP directory descriptor
type ldapConfig struct {
	endpoint     Endpoint
	bindDN       string
	bindPassword string
	baseDN       string
	userBaseDN   string
	groupBaseDN  string

	userObjectClass       string
	usernameAttr          string
	firstNameAttr         string
	lastNameAttr          string
	fullNameAttr          string
	emailAttr             string
	phoneNumberAttr       string
	mobileNumberAttr      string
	groupObjectClass      string
	groupNameAttr         string
	groupMemberAttr       string
	groupDescriptionAttr  string
	groupMembershipNeeded bool
	activeDirectory       bool

	limits listLimits
}

var requiredLDAPParameters = []string{
	"Host", "Port", "BindDN", "BindPassword", "BaseDN", "UserBaseDN", "GroupBaseDN",
	"UserObjectClass", "UserUsernameAttribute", "GroupObjectClass", "GroupNameAttribute",
	"GroupMemberAttribute",
}

func parseLDAPConfig(p params) (ldapConfig, error) {
	values := make(map[string]string, len(requiredLDAPParameters))
	for _, name := range requiredLDAPParameters {
		v, err := p.required(name)
		if err != nil {
			return ldapConfig{}, err
		}
		values[name] = v
	}

	var cfg ldapConfig
	port, err := p.getInt("Port", 0)
	if err != nil {
		return cfg, err
	}
	if port > 65535 {
		return cfg, fmt.Errorf("parameter %q: %d is not a valid port", "Port", port)
	}
	useSSL, err := p.getBool("UseSSL", false)
	if err != nil {
		return cfg, err
	}
	cfg.endpoint = Endpoint{Host: values["Host"], Port: port, UseSSL: useSSL}

	cfg.bindDN = values["BindDN"]
	cfg.bindPassword = values["BindPassword"]
	cfg.baseDN = values["BaseDN"]
	cfg.userBaseDN = values["UserBaseDN"]
	cfg.groupBaseDN = values["GroupBaseDN"]
	cfg.userObjectClass = values["UserObjectClass"]
	cfg.usernameAttr = values["UserUsernameAttribute"]
	cfg.groupObjectClass = values["GroupObjectClass"]
	cfg.groupNameAttr = values["GroupNameAttribute"]
	cfg.groupMemberAttr = values["GroupMemberAttribute"]

	cfg.firstNameAttr = p.getString("UserFirstNameAttribute", "")
	cfg.lastNameAttr = p.getString("UserLastNameAttribute", "")
	cfg.fullNameAttr = p.getString("UserFullNameAttribute", "")
	cfg.emailAttr = p.getString("UserEmailAttribute", "")
	cfg.phoneNumberAttr = p.getString("UserPhoneNumberAttribute", "")
	cfg.mobileNumberAttr = p.getString("UserMobileNumberAttribute", "")
	cfg.groupDescriptionAttr = p.getString("GroupDescriptionAttribute", "")

	for _, dn := range []string{cfg.bindDN, cfg.baseDN, cfg.userBaseDN, cfg.groupBaseDN} {
		if _, err := ldap.ParseDN(dn); err != nil {
			return cfg, fmt.Errorf("invalid DN %q: %w", dn, err)
		}
	}

	if cfg.groupMembershipNeeded, err = p.getBool("GroupMembershipRequired", true); err != nil {
		return cfg, err
	}
	if cfg.activeDirectory, err = p.getBool("ActiveDirectory", false); err != nil {
		return cfg, err
	}
	if cfg.limits, err = p.listLimits(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseLDAPCapabilities applies the Supports* overrides. Password expiry,
// history and locks depend on server password policy and default to off.
func parseLDAPCapabilities(p params) (Capabilities, error) {
	caps := Capabilities{
		AdminChangePassword:       true,
		ChangePassword:            true,
		GroupAdministration:       true,
		GroupMemberAdministration: true,
		UserAdministration:        true,
	}
	flags := []struct {
		name   string
		target *bool
	}{
		{CapAdminChangePassword, &caps.AdminChangePassword},
		{CapChangePassword, &caps.ChangePassword},
		{CapGroupAdministration, &caps.GroupAdministration},
		{CapGroupMemberAdministration, &caps.GroupMemberAdministration},
		{CapPasswordExpiry, &caps.PasswordExpiry},
		{CapPasswordHistory, &caps.PasswordHistory},
		{CapUserAdministration, &caps.UserAdministration},
		{CapUserLocks, &caps.UserLocks},
	}
	for _, f := range flags {
		v, err := p.getBool("Supports"+f.name, *f.target)
		if err != nil {
			return caps, err
		}
		*f.target = v
	}
	return caps, nil
}

func (c ldapConfig) userAttributes() []string {
	attrs := []string{c.usernameAttr}
	for _, a := range []string{c.firstNameAttr, c.lastNameAttr, c.fullNameAttr, c.emailAttr, c.phoneNumberAttr, c.mobileNumberAttr} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

func (c ldapConfig) groupAttributes() []string {
	attrs := []string{c.groupNameAttr, c.groupMemberAttr}
	if c.groupDescriptionAttr != "" {
		attrs = append(attrs, c.groupDescriptionAttr)
	}
	return attrs
}

func (c ldapConfig) userDN(username string) string {
	return fmt.Sprintf("%s=%s,%s", c.usernameAttr, ldap.EscapeDN(username), c.userBaseDN)
}

func (c ldapConfig) groupDN(name string) string {
	return fmt.Sprintf("%s=%s,%s", c.groupNameAttr, ldap.EscapeDN(name), c.groupBaseDN)
}

func (c ldapConfig) userFilter(attr, value string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))", ldap.EscapeFilter(c.userObjectClass), attr, ldap.EscapeFilter(value))
}

// userSearchFilter matches users whose username or name attributes contain filter
func (c ldapConfig) userSearchFilter(filter string) string {
	if filter == "" {
		return fmt.Sprintf("(&(objectClass=%s)(%s=*))", ldap.EscapeFilter(c.userObjectClass), c.usernameAttr)
	}
	value := ldap.EscapeFilter(filter)
	var b strings.Builder
	for _, a := range []string{c.usernameAttr, c.fullNameAttr, c.firstNameAttr, c.lastNameAttr} {
		if a != "" {
			fmt.Fprintf(&b, "(%s=*%s*)", a, value)
		}
	}
	return fmt.Sprintf("(&(objectClass=%s)(|%s))", ldap.EscapeFilter(c.userObjectClass), b.String())
}

func (c ldapConfig) groupFilter(name string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))", ldap.EscapeFilter(c.groupObjectClass), c.groupNameAttr, ldap.EscapeFilter(name))
}

func (c ldapConfig) groupSearchFilter(filter string) string {
	if filter == "" {
		return fmt.Sprintf("(&(objectClass=%s)(%s=*))", ldap.EscapeFilter(c.groupObjectClass), c.groupNameAttr)
	}
	return fmt.Sprintf("(&(objectClass=%s)(%s=*%s*))", ldap.EscapeFilter(c.groupObjectClass), c.groupNameAttr, ldap.EscapeFilter(filter))
}

func (c ldapConfig) memberOfFilter(memberDN string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))", ldap.EscapeFilter(c.groupObjectClass), c.groupMemberAttr, ldap.EscapeFilter(memberDN))
}

// mapUserEntry maps an entry onto a User. The full name falls back to first
// and last name; the preferred name is the first name.
func (c ldapConfig) mapUserEntry(entry *ldap.Entry, directoryID string) User {
	get := func(attr string) string {
		if attr == "" {
			return ""
		}
		return entry.GetEqualFoldAttributeValue(attr)
	}
	first, last := get(c.firstNameAttr), get(c.lastNameAttr)
	name := get(c.fullNameAttr)
	if name == "" {
		name = strings.TrimSpace(first + " " + last)
	}
	return User{
		ID:               entry.DN,
		DirectoryID:      directoryID,
		Username:         get(c.usernameAttr),
		Name:             name,
		PreferredName:    first,
		Email:            get(c.emailAttr),
		PhoneNumber:      get(c.phoneNumberAttr),
		MobileNumber:     get(c.mobileNumberAttr),
		Status:           UserStatusActive,
		PasswordAttempts: UntrackedPasswordAttempts,
	}
}

func (c ldapConfig) mapGroupEntry(entry *ldap.Entry, directoryID string) Group {
	g := Group{
		ID:          entry.DN,
		DirectoryID: directoryID,
		Name:        entry.GetEqualFoldAttributeValue(c.groupNameAttr),
	}
	if c.groupDescriptionAttr != "" {
		g.Description = entry.GetEqualFoldAttributeValue(c.groupDescriptionAttr)
	}
	return g
}

type attributeValue struct {
	attr  string
	value string
}

// userAttributeValues lists the mapped profile attributes of u, skipping
// unmapped attributes and the naming attribute. When create is set, the
// full and last name fall back to the username so schema-required
// attributes such as cn and sn are always populated.
func (c ldapConfig) userAttributeValues(u *User, create bool) []attributeValue {
	name, first, last := u.Name, u.PreferredName, ""
	if fields := strings.Fields(u.Name); len(fields) > 0 {
		last = fields[len(fields)-1]
		if first == "" && len(fields) > 1 {
			first = fields[0]
		}
	}
	if create {
		if name == "" {
			name = u.Username
		}
		if last == "" {
			last = u.Username
		}
	}

	var values []attributeValue
	seen := map[string]bool{strings.ToLower(c.usernameAttr): true}
	for _, av := range []attributeValue{
		{c.fullNameAttr, name},
		{c.firstNameAttr, first},
		{c.lastNameAttr, last},
		{c.emailAttr, u.Email},
		{c.phoneNumberAttr, u.PhoneNumber},
		{c.mobileNumberAttr, u.MobileNumber},
	} {
		key := strings.ToLower(av.attr)
		if av.attr == "" || av.value == "" || seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, av)
	}
	return values
}

// sameDN compares two DNs ignoring case, falling back to string comparison
// when either does not parse.
func sameDN(a, b string) bool {
	da, errA := ldap.ParseDN(a)
	db, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return da.EqualFold(db)
}

// underBase reports whether dn sits below base
func underBase(dn *ldap.DN, base string) bool {
	parent, err := ldap.ParseDN(base)
	if err != nil || len(dn.RDNs) <= len(parent.RDNs) {
		return false
	}
	offset := len(dn.RDNs) - len(parent.RDNs)
	for i, rdn := range parent.RDNs {
		if !rdnEqualFold(dn.RDNs[offset+i], rdn) {
			return false
		}
	}
	return true
}

func rdnEqualFold(a, b *ldap.RelativeDN) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range a.Attributes {
		if !strings.EqualFold(a.Attributes[i].Type, b.Attributes[i].Type) ||
			!strings.EqualFold(a.Attributes[i].Value, b.Attributes[i].Value) {
			return false
		}
	}
	return true
}
