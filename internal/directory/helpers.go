package directory

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/validation"
)

// boundary passes domain errors through unchanged and wraps anything else as
// ServiceUnavailable with the operation, directory and entity key, logging it.
func boundary(logger *zap.Logger, op, directoryID, key string, err error) error {
	if err == nil || apperrors.IsDomain(err) {
		return err
	}
	logger.Error("Directory operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
	return apperrors.ServiceUnavailable(op, directoryID, key, err)
}

func requireValue(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.InvalidArgument(name + " is required")
	}
	return nil
}

const maxFieldLength = 255

// validateUser checks the caller-supplied fields of a user record
func validateUser(user *User) error {
	err := validation.ValidateAll(
		func() error { return validation.ValidateRequired("username", user.Username) },
		func() error { return validation.ValidateMaxLength("username", user.Username, maxFieldLength) },
		func() error { return validation.ValidatePrintable("username", user.Username) },
		func() error { return validation.ValidateMaxLength("name", user.Name, maxFieldLength) },
		func() error { return validation.ValidateEmail("email", user.Email) },
		func() error { return validation.ValidatePhone("phone_number", user.PhoneNumber) },
		func() error { return validation.ValidatePhone("mobile_number", user.MobileNumber) },
	)
	if err != nil {
		return apperrors.InvalidArgument("invalid user").WithDetails(err.Error())
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// sortFold sorts a slice by a string key ignoring case
func sortFold[T any](items []T, dir SortDirection, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(key(items[i])), strings.ToLower(key(items[j]))
		if dir == SortDescending {
			return a > b
		}
		return a < b
	})
}

// window returns the [offset, offset+limit) slice of items
func window[T any](items []T, offset, limit int) []T {
	if offset < 0 || offset >= len(items) || limit <= 0 {
		return []T{}
	}
	end := len(items)
	if limit < end-offset {
		end = offset + limit
	}
	return items[offset:end]
}

func userSortKey(sortBy string) string {
	switch sortBy {
	case UserSortByUsername, UserSortByName, UserSortByPreferredName, UserSortByEmail:
		return sortBy
	}
	return UserSortByUsername
}

// createdStatus is the status a new user reports given its create options
func createdStatus(opts CreateUserOptions) UserStatus {
	switch {
	case opts.UserLocked:
		return UserStatusLocked
	case opts.ExpiredPassword:
		return UserStatusExpired
	}
	return UserStatusActive
}

func memberSortKey(sortBy string) string {
	if sortBy == MemberSortByType {
		return sortBy
	}
	return MemberSortByName
}

func groupSortKey(sortBy string) string {
	switch sortBy {
	case GroupSortByName, GroupSortByDescription:
		return sortBy
	}
	return GroupSortByName
}

func userField(u User, sortBy string) string {
	switch sortBy {
	case UserSortByName:
		return u.Name
	case UserSortByPreferredName:
		return u.PreferredName
	case UserSortByEmail:
		return u.Email
	}
	return u.Username
}

func groupNames(groups []Group) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}
