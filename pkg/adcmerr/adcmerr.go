package adcmerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable error identifier surfaced to API callers
type Code string

const (
	ClusterNotFound   Code = "CLUSTER_NOT_FOUND"
	ServiceNotFound   Code = "SERVICE_NOT_FOUND"
	ComponentNotFound Code = "COMPONENT_NOT_FOUND"
	HostNotFound      Code = "HOST_NOT_FOUND"
	ProviderNotFound  Code = "PROVIDER_NOT_FOUND"
	PrototypeNotFound Code = "PROTOTYPE_NOT_FOUND"
	BundleNotFound    Code = "BUNDLE_NOT_FOUND"
	ActionNotFound    Code = "ACTION_NOT_FOUND"
	TaskNotFound      Code = "TASK_NOT_FOUND"
	JobNotFound       Code = "JOB_NOT_FOUND"
	ConfigNotFound    Code = "CONFIG_NOT_FOUND"
	UpgradeNotFound   Code = "UPGRADE_NOT_FOUND"
	GroupNotFound     Code = "GROUP_NOT_FOUND"

	ClusterConflict  Code = "CLUSTER_CONFLICT"
	ServiceConflict  Code = "SERVICE_CONFLICT"
	HostConflict     Code = "HOST_CONFLICT"
	ProviderConflict Code = "PROVIDER_CONFLICT"
	ForeignHost      Code = "FOREIGN_HOST"
	BindError        Code = "BIND_ERROR"
	BundleConflict   Code = "BUNDLE_CONFLICT"

	InvalidInput             Code = "INVALID_INPUT"
	InvalidConfigUpdate      Code = "INVALID_CONFIG_UPDATE"
	ConfigValueError         Code = "CONFIG_VALUE_ERROR"
	ComponentConstraintError Code = "COMPONENT_CONSTRAINT_ERROR"
	WrongActionHC            Code = "WRONG_ACTION_HC"
	InvalidHCHostInMM        Code = "INVALID_HC_HOST_IN_MM"
	GroupConfigError         Code = "GROUP_CONFIG_ERROR"
	BundleError              Code = "BUNDLE_ERROR"

	LicenseError         Code = "LICENSE_ERROR"
	LockError            Code = "LOCK_ERROR"
	IssueIntegrityError  Code = "ISSUE_INTEGRITY_ERROR"
	UpgradeError         Code = "UPGRADE_ERROR"
	TaskError            Code = "TASK_ERROR"
	ActionError          Code = "ACTION_ERROR"
	HostUpdateError      Code = "HOST_UPDATE_ERROR"
	MaintenanceModeError Code = "MAINTENANCE_MODE_ERROR"
	PluginError          Code = "PLUGIN_ERROR"
	Internal             Code = "INTERNAL_ERROR"
)

// HTTPStatus is the conventional status an API layer reports for the code
func (c Code) HTTPStatus() int {
	switch {
	case strings.HasSuffix(string(c), "_NOT_FOUND"):
		return http.StatusNotFound
	case c == Internal:
		return http.StatusInternalServerError
	}
	switch c {
	case InvalidInput, InvalidConfigUpdate, ConfigValueError, ComponentConstraintError,
		WrongActionHC, InvalidHCHostInMM, GroupConfigError, BundleError:
		return http.StatusBadRequest
	}
	return http.StatusConflict
}

// Retriable reports whether resolving concerns and retrying can succeed
func (c Code) Retriable() bool {
	return c == LockError || c == IssueIntegrityError
}

// Error is a domain error with a stable code
type Error struct {
	Code    Code
	Message string
	Object  string
}

func (e *Error) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Object)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New builds a coded error
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// About records the object the error refers to
func (e *Error) About(object fmt.Stringer) *Error {
	e.Object = object.String()
	return e
}

// CodeOf extracts the code of err, or Internal when err carries none
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var l *List
	if errors.As(err, &l) && len(l.Errors) > 0 {
		return l.Errors[0].Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries code
func Is(err error, code Code) bool {
	var l *List
	if errors.As(err, &l) {
		for _, e := range l.Errors {
			if e.Code == code {
				return true
			}
		}
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is one of the *_NOT_FOUND codes
func IsNotFound(err error) bool {
	return err != nil && strings.HasSuffix(string(CodeOf(err)), "_NOT_FOUND")
}

// List accumulates violations so they can be reported at once
type List struct {
	Errors []*Error
}

// Add appends a violation
func (l *List) Add(code Code, format string, args ...any) {
	l.Errors = append(l.Errors, New(code, format, args...))
}

// Append appends err, flattening nested lists
func (l *List) Append(err error) {
	if err == nil {
		return
	}
	var nested *List
	if errors.As(err, &nested) {
		l.Errors = append(l.Errors, nested.Errors...)
		return
	}
	var e *Error
	if errors.As(err, &e) {
		l.Errors = append(l.Errors, e)
		return
	}
	l.Errors = append(l.Errors, &Error{Code: Internal, Message: err.Error()})
}

// Len returns the number of violations
func (l *List) Len() int {
	return len(l.Errors)
}

// Err returns nil for an empty list
func (l *List) Err() error {
	if l == nil || len(l.Errors) == 0 {
		return nil
	}
	if len(l.Errors) == 1 {
		return l.Errors[0]
	}
	return l
}

func (l *List) Error() string {
	parts := make([]string, 0, len(l.Errors))
	for _, e := range l.Errors {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
