// Package errors provides structured error handling for the identity directory core
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
	ErrInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrUnsupported        ErrorCode = "UNSUPPORTED_CAPABILITY"

	// Not found errors
	ErrTenantNotFound        ErrorCode = "TENANT_NOT_FOUND"
	ErrUserDirectoryNotFound ErrorCode = "USER_DIRECTORY_NOT_FOUND"
	ErrUserNotFound          ErrorCode = "USER_NOT_FOUND"
	ErrGroupNotFound         ErrorCode = "GROUP_NOT_FOUND"
	ErrRoleNotFound          ErrorCode = "ROLE_NOT_FOUND"
	ErrFunctionNotFound      ErrorCode = "FUNCTION_NOT_FOUND"
	ErrGroupRoleNotFound     ErrorCode = "GROUP_ROLE_NOT_FOUND"
	ErrGroupMemberNotFound   ErrorCode = "GROUP_MEMBER_NOT_FOUND"

	// Conflict errors
	ErrDuplicateTenant        ErrorCode = "DUPLICATE_TENANT"
	ErrDuplicateUserDirectory ErrorCode = "DUPLICATE_USER_DIRECTORY"
	ErrDuplicateGroup         ErrorCode = "DUPLICATE_GROUP"
	ErrDuplicateUser          ErrorCode = "DUPLICATE_USER"
	ErrDuplicateFunction      ErrorCode = "DUPLICATE_FUNCTION"
	ErrDuplicateRole          ErrorCode = "DUPLICATE_ROLE"
	ErrExistingGroupMember    ErrorCode = "EXISTING_GROUP_MEMBER"
	ErrExistingGroupRole      ErrorCode = "EXISTING_GROUP_ROLE"
	ErrExistingGroupMembers   ErrorCode = "EXISTING_GROUP_MEMBERS"
	ErrExistingPassword       ErrorCode = "EXISTING_PASSWORD"

	// Credential errors
	ErrAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrUserLocked           ErrorCode = "USER_LOCKED"
	ErrExpiredPassword      ErrorCode = "EXPIRED_PASSWORD"
	ErrInvalidSecurityCode  ErrorCode = "INVALID_SECURITY_CODE"
)

// Kind groups error codes into the families callers branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindCredential
	KindInvalidArgument
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCredential:
		return "credential"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

var codeKinds = map[ErrorCode]Kind{
	ErrInternal:           KindServiceUnavailable,
	ErrServiceUnavailable: KindServiceUnavailable,
	ErrUnsupported:        KindServiceUnavailable,
	ErrInvalidArgument:    KindInvalidArgument,

	ErrTenantNotFound:        KindNotFound,
	ErrUserDirectoryNotFound: KindNotFound,
	ErrUserNotFound:          KindNotFound,
	ErrGroupNotFound:         KindNotFound,
	ErrRoleNotFound:          KindNotFound,
	ErrFunctionNotFound:      KindNotFound,
	ErrGroupRoleNotFound:     KindNotFound,
	ErrGroupMemberNotFound:   KindNotFound,

	ErrDuplicateTenant:        KindConflict,
	ErrDuplicateUserDirectory: KindConflict,
	ErrDuplicateGroup:         KindConflict,
	ErrDuplicateUser:          KindConflict,
	ErrDuplicateFunction:      KindConflict,
	ErrDuplicateRole:          KindConflict,
	ErrExistingGroupMember:    KindConflict,
	ErrExistingGroupRole:      KindConflict,
	ErrExistingGroupMembers:   KindConflict,
	ErrExistingPassword:       KindConflict,

	ErrAuthenticationFailed: KindCredential,
	ErrUserLocked:           KindCredential,
	ErrExpiredPassword:      KindCredential,
	ErrInvalidSecurityCode:  KindCredential,
}

var kindStatus = map[Kind]int{
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindCredential:         http.StatusUnauthorized,
	KindInvalidArgument:    http.StatusBadRequest,
	KindServiceUnavailable: http.StatusServiceUnavailable,
}

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Kind returns the family the error code belongs to
func (e *AppError) Kind() Kind {
	return codeKinds[e.Code]
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError. The HTTP status is derived from the code's kind.
func New(code ErrorCode, message string) *AppError {
	status, ok := kindStatus[codeKinds[code]]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: status,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Err = err
	return appErr
}

// Predefined errors

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// InvalidArgument rejects a request before any I/O is attempted
func InvalidArgument(message string) *AppError {
	return New(ErrInvalidArgument, message)
}

// ServiceUnavailable wraps an unexpected failure at a backend boundary with the
// operation, directory and entity key it happened on.
func ServiceUnavailable(operation, directoryID, key string, err error) *AppError {
	return Wrap(err, ErrServiceUnavailable, fmt.Sprintf("failed to %s", operation)).
		WithMetadata("directory_id", directoryID).
		WithMetadata("key", key)
}

// Unsupported reports a capability the directory does not provide
func Unsupported(directoryID, capability string) *AppError {
	return New(ErrUnsupported, "The operation is not supported by the user directory").
		WithDetails(capability).
		WithMetadata("directory_id", directoryID)
}

// Not found errors

func notFound(code ErrorCode, message, key string, value string) *AppError {
	return New(code, message).WithMetadata(key, value)
}

// TenantNotFound creates a tenant not found error
func TenantNotFound(tenantID string) *AppError {
	return notFound(ErrTenantNotFound, "Tenant not found", "tenant_id", tenantID)
}

// UserDirectoryNotFound creates a user directory not found error
func UserDirectoryNotFound(directoryID string) *AppError {
	return notFound(ErrUserDirectoryNotFound, "User directory not found", "directory_id", directoryID)
}

// UserNotFound creates a user not found error
func UserNotFound(username string) *AppError {
	return notFound(ErrUserNotFound, "User not found", "username", username)
}

// GroupNotFound creates a group not found error
func GroupNotFound(groupName string) *AppError {
	return notFound(ErrGroupNotFound, "Group not found", "group_name", groupName)
}

// RoleNotFound creates a role not found error
func RoleNotFound(roleCode string) *AppError {
	return notFound(ErrRoleNotFound, "Role not found", "role_code", roleCode)
}

// FunctionNotFound creates a function not found error
func FunctionNotFound(functionCode string) *AppError {
	return notFound(ErrFunctionNotFound, "Function not found", "function_code", functionCode)
}

// GroupRoleNotFound creates a group role not found error
func GroupRoleNotFound(groupName, roleCode string) *AppError {
	return notFound(ErrGroupRoleNotFound, "Group role not found", "group_name", groupName).
		WithMetadata("role_code", roleCode)
}

// GroupMemberNotFound creates a group member not found error
func GroupMemberNotFound(groupName, memberName string) *AppError {
	return notFound(ErrGroupMemberNotFound, "Group member not found", "group_name", groupName).
		WithMetadata("member_name", memberName)
}

// Conflict errors

// DuplicateTenant creates a duplicate tenant error
func DuplicateTenant(name string) *AppError {
	return New(ErrDuplicateTenant, "Tenant already exists").WithMetadata("tenant_name", name)
}

// DuplicateUserDirectory creates a duplicate user directory error
func DuplicateUserDirectory(name string) *AppError {
	return New(ErrDuplicateUserDirectory, "User directory already exists").WithMetadata("directory_name", name)
}

// DuplicateUser creates a duplicate user error
func DuplicateUser(username string) *AppError {
	return New(ErrDuplicateUser, "User already exists").WithMetadata("username", username)
}

// DuplicateGroup creates a duplicate group error
func DuplicateGroup(name string) *AppError {
	return New(ErrDuplicateGroup, "Group already exists").WithMetadata("group_name", name)
}

// DuplicateRole creates a duplicate role error
func DuplicateRole(code string) *AppError {
	return New(ErrDuplicateRole, "Role already exists").WithMetadata("role_code", code)
}

// DuplicateFunction creates a duplicate function error
func DuplicateFunction(code string) *AppError {
	return New(ErrDuplicateFunction, "Function already exists").WithMetadata("function_code", code)
}

// ExistingGroupMember creates an error for a member that is already in the group
func ExistingGroupMember(groupName, memberName string) *AppError {
	return New(ErrExistingGroupMember, "The member is already in the group").
		WithMetadata("group_name", groupName).
		WithMetadata("member_name", memberName)
}

// ExistingGroupRole creates an error for a role already assigned to the group
func ExistingGroupRole(groupName, roleCode string) *AppError {
	return New(ErrExistingGroupRole, "The role is already assigned to the group").
		WithMetadata("group_name", groupName).
		WithMetadata("role_code", roleCode)
}

// ExistingGroupMembers creates an error for deleting a group that still has members
func ExistingGroupMembers(groupName string) *AppError {
	return New(ErrExistingGroupMembers, "The group has existing members").
		WithMetadata("group_name", groupName)
}

// ExistingPassword creates an error for a password found in the recent history
func ExistingPassword(username string) *AppError {
	return New(ErrExistingPassword, "The password has been used recently").
		WithMetadata("username", username)
}

// Credential errors

// AuthenticationFailed creates an invalid credentials error
func AuthenticationFailed(username string) *AppError {
	return New(ErrAuthenticationFailed, "Invalid username or password").
		WithMetadata("username", username)
}

// UserLocked creates a user locked error
func UserLocked(username string) *AppError {
	return New(ErrUserLocked, "The user is locked").WithMetadata("username", username)
}

// ExpiredPassword creates an expired password error
func ExpiredPassword(username string) *AppError {
	return New(ErrExpiredPassword, "The password has expired").WithMetadata("username", username)
}

// InvalidSecurityCode creates an invalid security code error
func InvalidSecurityCode(username string) *AppError {
	return New(ErrInvalidSecurityCode, "The security code is invalid or has expired").
		WithMetadata("username", username)
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	}
	// Failures of a backing store carry internal detail in Metadata
	if appErr.Kind() == KindServiceUnavailable {
		response.Details = ""
		response.Metadata = nil
	}

	c.JSON(appErr.StatusCode, response)
}

// ErrorHandler is a middleware that handles panics and converts them to errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
				c.Abort()
			}
		}()

		c.Next()
	}
}

// As returns the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// KindOf classifies any error. Errors that are not AppErrors are KindUnknown.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind()
	}
	return KindUnknown
}

// IsDomain reports whether err already carries a classified AppError, which
// propagates unchanged across backend boundaries.
func IsDomain(err error) bool {
	return KindOf(err) != KindUnknown
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
