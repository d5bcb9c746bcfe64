package directory_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/identityd/internal/directory"
	"github.com/openidx/identityd/internal/store/memory"
)

// testClock is a settable clock shared by a test's backends
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) AddMonths(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, n, 0)
}

type testEnv struct {
	store  *memory.Store
	hasher directory.PasswordHasher
	clock  *testClock
	dit    *fakeDIT
	deps   directory.Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := memory.New()
	require.NoError(t, err)

	env := &testEnv{
		store:  store,
		hasher: directory.NewPBKDF2Hasher("test-pepper", 1000),
		clock:  newTestClock(),
		dit:    newFakeDIT(),
	}
	env.deps = directory.Dependencies{
		Store:  store,
		Hasher: env.hasher,
		Logger: zaptest.NewLogger(t),
		Dialer: fakeDialer{dit: env.dit},
		Now:    env.clock.Now,
	}
	return env
}

func params(kv ...string) []directory.Parameter {
	out := make([]directory.Parameter, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, directory.Parameter{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

// addDirectory stores a descriptor without going through the service
func (e *testEnv) addDirectory(t *testing.T, id, typ, name string, p []directory.Parameter) directory.Descriptor {
	t.Helper()
	desc := directory.Descriptor{ID: id, Type: typ, Name: name, Parameters: p}
	require.NoError(t, e.store.CreateDirectory(context.Background(), &desc))
	return desc
}

func (e *testEnv) internalBackend(t *testing.T, id string, p ...string) *directory.InternalBackend {
	t.Helper()
	desc := directory.Descriptor{ID: id, Type: "internal", Name: id, Parameters: params(p...)}
	b, err := directory.NewInternalBackend(desc, e.deps)
	require.NoError(t, err)
	return b
}

const (
	testBaseDN  = "dc=example,dc=com"
	testUserDN  = "ou=people,dc=example,dc=com"
	testGroupDN = "ou=groups,dc=example,dc=com"
	testAdminDN = "cn=admin,dc=example,dc=com"
)

func ldapParams(extra ...string) []directory.Parameter {
	base := []string{
		"Host", "ldap.example.com",
		"Port", "389",
		"BindDN", testAdminDN,
		"BindPassword", "admin-secret",
		"BaseDN", testBaseDN,
		"UserBaseDN", testUserDN,
		"GroupBaseDN", testGroupDN,
		"UserObjectClass", "inetOrgPerson",
		"UserUsernameAttribute", "uid",
		"UserFirstNameAttribute", "givenName",
		"UserLastNameAttribute", "sn",
		"UserFullNameAttribute", "cn",
		"UserEmailAttribute", "mail",
		"GroupObjectClass", "groupOfNames",
		"GroupNameAttribute", "cn",
		"GroupMemberAttribute", "member",
		"GroupDescriptionAttribute", "description",
	}
	out := params(base...)
	for _, kv := range params(extra...) {
		replaced := false
		for i := range out {
			if strings.EqualFold(out[i].Name, kv.Name) {
				out[i].Value = kv.Value
				replaced = true
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	return out
}

func userDN(uid string) string {
	return "uid=" + uid + "," + testUserDN
}

func groupDN(cn string) string {
	return "cn=" + cn + "," + testGroupDN
}

// seedLDAP populates the fake tree with the service account, two users and
// a group holding alice plus its own self-reference
func (e *testEnv) seedLDAP() {
	d := e.dit
	d.put(testAdminDN, map[string][]string{"objectClass": {"person"}, "cn": {"admin"}})
	d.setPassword(testAdminDN, "admin-secret")

	d.put(userDN("alice"), map[string][]string{
		"objectClass": {"inetOrgPerson"},
		"uid":         {"alice"},
		"cn":          {"Alice Liddell"},
		"givenName":   {"Alice"},
		"sn":          {"Liddell"},
		"mail":        {"alice@example.com"},
	})
	d.setPassword(userDN("alice"), "alice-pw")

	d.put(userDN("bob"), map[string][]string{
		"objectClass": {"inetOrgPerson"},
		"uid":         {"bob"},
		"cn":          {"Bob Builder"},
		"givenName":   {"Bob"},
		"sn":          {"Builder"},
	})
	d.setPassword(userDN("bob"), "bob-pw")

	d.put(groupDN("developers"), map[string][]string{
		"objectClass": {"groupOfNames"},
		"cn":          {"Developers"},
		"description": {"Engineering"},
		"member":      {groupDN("developers"), userDN("alice")},
	})
}

func (e *testEnv) ldapBackend(t *testing.T, id string, extra ...string) *directory.LDAPBackend {
	t.Helper()
	desc := directory.Descriptor{ID: id, Type: "ldap", Name: id, Parameters: ldapParams(extra...)}
	b, err := directory.NewLDAPBackend(desc, e.deps)
	require.NoError(t, err)
	return b
}
