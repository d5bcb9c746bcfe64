package directory_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openidx/identityd/internal/directory"
)

// fakeDIT is an in-memory LDAP tree served through fakeDialer. It supports
// the filter subset the backend generates: &, |, presence, equality and
// substring items.
type fakeDIT struct {
	mu        sync.Mutex
	entries   map[string]*fakeEntry
	passwords map[string]string

	// bindErrors overrides the result of binding as a DN
	bindErrors map[string]error
	// rejectPasswords fails a password write of the given new password
	rejectPasswords map[string]error
	// pageSize splits paged searches regardless of the requested size
	pageSize int

	dialErr error
	dials   int
	closes  int
	binds   []string
	mods    []*ldap.ModifyRequest
}

type fakeEntry struct {
	dn    string
	attrs map[string][]string
}

func newFakeDIT() *fakeDIT {
	return &fakeDIT{
		entries:         map[string]*fakeEntry{},
		passwords:       map[string]string{},
		bindErrors:      map[string]error{},
		rejectPasswords: map[string]error{},
	}
}

func dnKey(dn string) string {
	return strings.ToLower(strings.ReplaceAll(dn, " ", ""))
}

// put stores an entry; attribute names are case-insensitive
func (d *fakeDIT) put(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &fakeEntry{dn: dn, attrs: map[string][]string{}}
	for k, v := range attrs {
		e.attrs[strings.ToLower(k)] = append([]string(nil), v...)
	}
	d.entries[dnKey(dn)] = e
}

func (d *fakeDIT) setPassword(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[dnKey(dn)] = password
}

func (d *fakeDIT) get(dn string) (*fakeEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[dnKey(dn)]
	return e, ok
}

func (d *fakeDIT) values(dn, attr string) []string {
	e, ok := d.get(dn)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), e.attrs[strings.ToLower(attr)]...)
}

func (d *fakeDIT) connStats() (dials, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.closes
}

type fakeDialer struct {
	dit *fakeDIT
}

func (f fakeDialer) Dial(ctx context.Context, endpoint directory.Endpoint, timeout time.Duration) (directory.Conn, error) {
	f.dit.mu.Lock()
	defer f.dit.mu.Unlock()
	if f.dit.dialErr != nil {
		return nil, f.dit.dialErr
	}
	f.dit.dials++
	return &fakeConn{dit: f.dit}, nil
}

type fakeConn struct {
	dit   *fakeDIT
	bound string
}

var errInvalidCredentials = ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))

func (c *fakeConn) Bind(username, password string) error {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binds = append(d.binds, username)
	if err, ok := d.bindErrors[dnKey(username)]; ok {
		return err
	}
	if pw, ok := d.passwords[dnKey(username)]; !ok || pw == "" || pw != password {
		return errInvalidCredentials
	}
	c.bound = username
	return nil
}

func inScope(dn, base string, scope int) bool {
	dn, base = dnKey(dn), dnKey(base)
	if scope == ldap.ScopeBaseObject {
		return dn == base
	}
	return dn == base || strings.HasSuffix(dn, ","+base)
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Scope == ldap.ScopeBaseObject {
		if _, ok := d.entries[dnKey(req.BaseDN)]; !ok {
			return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.BaseDN))
		}
	}

	var matched []*ldap.Entry
	for _, e := range d.entries {
		if !inScope(e.dn, req.BaseDN, req.Scope) {
			continue
		}
		if ok, _ := evalFilter(req.Filter, e.attrs); ok {
			matched = append(matched, ldap.NewEntry(e.dn, e.attrs))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DN < matched[j].DN })

	paging, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
	if !ok {
		return &ldap.SearchResult{Entries: matched}, nil
	}

	size := int(paging.PagingSize)
	if d.pageSize > 0 {
		size = d.pageSize
	}
	offset := 0
	if len(paging.Cookie) > 0 {
		offset, _ = strconv.Atoi(string(paging.Cookie))
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}
	next := ldap.NewControlPaging(paging.PagingSize)
	if end < len(matched) {
		next.SetCookie([]byte(strconv.Itoa(end)))
	}
	return &ldap.SearchResult{Entries: matched[offset:end], Controls: []ldap.Control{next}}, nil
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[dnKey(req.DN)]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, fmt.Errorf("entry already exists: %s", req.DN))
	}
	e := &fakeEntry{dn: req.DN, attrs: map[string][]string{}}
	for _, a := range req.Attributes {
		key := strings.ToLower(a.Type)
		e.attrs[key] = append(e.attrs[key], a.Vals...)
	}
	d.entries[dnKey(req.DN)] = e
	return nil
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mods = append(d.mods, req)

	e, ok := d.entries[dnKey(req.DN)]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.DN))
	}
	for _, change := range req.Changes {
		key := strings.ToLower(change.Modification.Type)
		vals := change.Modification.Vals
		switch change.Operation {
		case ldap.AddAttribute:
			e.attrs[key] = append(e.attrs[key], vals...)
		case ldap.DeleteAttribute:
			if len(vals) == 0 {
				if _, ok := e.attrs[key]; !ok {
					return ldap.NewError(ldap.LDAPResultNoSuchAttribute, fmt.Errorf("no such attribute: %s", key))
				}
				delete(e.attrs, key)
				continue
			}
			kept := e.attrs[key][:0]
			for _, v := range e.attrs[key] {
				if !containsString(vals, v) {
					kept = append(kept, v)
				}
			}
			e.attrs[key] = kept
		case ldap.ReplaceAttribute:
			if len(vals) == 0 {
				delete(e.attrs, key)
				continue
			}
			e.attrs[key] = append([]string(nil), vals...)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (c *fakeConn) Del(req *ldap.DelRequest) error {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[dnKey(req.DN)]; !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.DN))
	}
	delete(d.entries, dnKey(req.DN))
	delete(d.passwords, dnKey(req.DN))
	return nil
}

func (c *fakeConn) PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error) {
	d := c.dit
	d.mu.Lock()
	defer d.mu.Unlock()

	target := req.UserIdentity
	if target == "" {
		target = c.bound
	}
	if _, ok := d.entries[dnKey(target)]; !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", target))
	}
	if err, ok := d.rejectPasswords[req.NewPassword]; ok {
		return nil, err
	}
	if req.OldPassword != "" && d.passwords[dnKey(target)] != req.OldPassword {
		return nil, errInvalidCredentials
	}
	d.passwords[dnKey(target)] = req.NewPassword
	return &ldap.PasswordModifyResult{}, nil
}

func (c *fakeConn) Close() error {
	c.dit.mu.Lock()
	defer c.dit.mu.Unlock()
	c.dit.closes++
	return nil
}

// evalFilter evaluates the parenthesized filter at the start of f and
// returns the unconsumed remainder
func evalFilter(f string, attrs map[string][]string) (bool, string) {
	f = f[1:]
	switch f[0] {
	case '&', '|':
		and := f[0] == '&'
		f = f[1:]
		result := and
		for len(f) > 0 && f[0] == '(' {
			var ok bool
			ok, f = evalFilter(f, attrs)
			if and {
				result = result && ok
			} else {
				result = result || ok
			}
		}
		return result, f[1:]
	}

	end := strings.IndexByte(f, ')')
	item := f[:end]
	eq := strings.IndexByte(item, '=')
	return matchItem(item[:eq], item[eq+1:], attrs), f[end+1:]
}

func matchItem(attr, pattern string, attrs map[string][]string) bool {
	vals := attrs[strings.ToLower(attr)]
	if pattern == "*" {
		return len(vals) > 0
	}
	parts := strings.Split(pattern, "*")
	for i := range parts {
		parts[i] = strings.ToLower(unescapeFilter(parts[i]))
	}
	for _, v := range vals {
		v = strings.ToLower(v)
		if len(parts) == 1 {
			if v == parts[0] {
				return true
			}
			continue
		}
		if wildcardMatch(v, parts) {
			return true
		}
	}
	return false
}

func wildcardMatch(v string, parts []string) bool {
	if !strings.HasPrefix(v, parts[0]) {
		return false
	}
	v = v[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(v, p)
		if i < 0 {
			return false
		}
		v = v[i+len(p):]
	}
	return strings.HasSuffix(v, last)
}

func unescapeFilter(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+2 < len(s) {
			if raw, err := hex.DecodeString(s[i+1 : i+3]); err == nil {
				b.Write(raw)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
