package directory

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// params reads typed values from a descriptor's parameter list
type params struct {
	desc Descriptor
}

func newParams(desc Descriptor) params {
	return params{desc: desc}
}

func (p params) getString(name, def string) string {
	if v, ok := p.desc.Parameter(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// required returns the named value, failing when it is absent or blank
func (p params) required(name string) (string, error) {
	v, ok := p.desc.Parameter(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	return strings.TrimSpace(v), nil
}

// getInt returns the named positive integer or def when absent
func (p params) getInt(name string, def int) (int, error) {
	v, ok := p.desc.Parameter(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %q is not an integer", name, v)
	}
	if n < 1 {
		return 0, fmt.Errorf("parameter %q must be positive, got %d", name, n)
	}
	return n, nil
}

func (p params) getBool(name string, def bool) (bool, error) {
	v, ok := p.desc.Parameter(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("parameter %q: %q is not a boolean", name, v)
	}
	return b, nil
}

// Paging limits shared by both backends
type listLimits struct {
	maxUsers        int
	maxGroups       int
	maxGroupMembers int
}

const defaultMaxFiltered = 100

func (p params) listLimits() (listLimits, error) {
	var l listLimits
	var err error
	if l.maxUsers, err = p.getInt("MaxFilteredUsers", defaultMaxFiltered); err != nil {
		return l, err
	}
	if l.maxGroups, err = p.getInt("MaxFilteredGroups", defaultMaxFiltered); err != nil {
		return l, err
	}
	if l.maxGroupMembers, err = p.getInt("MaxFilteredGroupMembers", defaultMaxFiltered); err != nil {
		return l, err
	}
	return l, nil
}

// page converts a page index and size into an offset and limit. The size is
// clamped to max and a negative index is treated as the first page. An
// offset that would overflow saturates at math.MaxInt.
func page(pageIndex, pageSize, max int) (offset, limit int) {
	limit = pageSize
	if limit <= 0 || limit > max {
		limit = max
	}
	if pageIndex < 0 {
		pageIndex = 0
	}
	if limit > 0 && pageIndex > math.MaxInt/limit {
		return math.MaxInt, limit
	}
	return pageIndex * limit, limit
}

func normalizeDirection(d SortDirection) SortDirection {
	if strings.EqualFold(string(d), string(SortDescending)) {
		return SortDescending
	}
	return SortAscending
}
