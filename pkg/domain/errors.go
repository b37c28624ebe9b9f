package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CodedError is implemented by every taxonomy error. Code is the stable
// identifier surfaced at the request boundary.
type CodedError interface {
	error
	Code() string
}

// NotFoundError reports that no entity matched a lookup.
type NotFoundError struct {
	Entity EntityType
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Entity == "" {
		return "entity not found"
	}
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// Code implements CodedError.
func (e NotFoundError) Code() string { return "EntityNotFoundException" }

// DuplicatedError reports a unique-key conflict on create or update.
type DuplicatedError struct {
	Entity EntityType
	Fields []string
}

func (e DuplicatedError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s already exists", e.Entity)
	}
	return fmt.Sprintf("%s with the same %s already exists", e.Entity, strings.Join(e.Fields, ", "))
}

// Code implements CodedError.
func (e DuplicatedError) Code() string { return "EntityDuplicatedException" }

// FieldErrorKind distinguishes invalid values from missing ones.
type FieldErrorKind string

const (
	// FieldInvalid marks a value rejected by a field validator.
	FieldInvalid FieldErrorKind = "invalid"
	// FieldRequired marks a required field left unset.
	FieldRequired FieldErrorKind = "required"
)

// FieldError reports a validation failure on a single entity field.
type FieldError struct {
	Entity EntityType
	Field  string
	Kind   FieldErrorKind
	Reason string
}

func (e FieldError) Error() string {
	if e.Kind == FieldRequired {
		return fmt.Sprintf("%s: field %q is required", e.Entity, e.Field)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: field %q has invalid value", e.Entity, e.Field)
	}
	return fmt.Sprintf("%s: field %q has invalid value: %s", e.Entity, e.Field, e.Reason)
}

// Code implements CodedError.
func (e FieldError) Code() string {
	if e.Kind == FieldRequired {
		return "EntityFieldRequiredException"
	}
	return "EntityFieldInvalidException"
}

// Invalid builds a FieldError of kind FieldInvalid.
func Invalid(entity EntityType, field, reason string) FieldError {
	return FieldError{Entity: entity, Field: field, Kind: FieldInvalid, Reason: reason}
}

// Required builds a FieldError of kind FieldRequired.
func Required(entity EntityType, field string) FieldError {
	return FieldError{Entity: entity, Field: field, Kind: FieldRequired}
}

// OperationNotPermittedError reports a state machine violation or a forbidden mutation.
type OperationNotPermittedError struct {
	Entity    EntityType
	Operation string
	Reason    string
}

func (e OperationNotPermittedError) Error() string {
	msg := fmt.Sprintf("%s: operation %q is not permitted", e.Entity, e.Operation)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Code implements CodedError.
func (e OperationNotPermittedError) Code() string { return "EntityOperationNotPermitted" }

// ProvidersNotDefinedError is raised when an entity kind has no providers.
type ProvidersNotDefinedError struct {
	Entity EntityType
}

func (e ProvidersNotDefinedError) Error() string {
	return fmt.Sprintf("%s: no entity providers defined", e.Entity)
}

// Code implements CodedError.
func (e ProvidersNotDefinedError) Code() string { return "EntityProvidersNotDefinedException" }

// FeatureNotSupportedError is raised at build time when the active SQL dialect
// cannot render a requested construct.
type FeatureNotSupportedError struct {
	Dialect string
	Feature string
}

func (e FeatureNotSupportedError) Error() string {
	return fmt.Sprintf("%s: feature not supported: %s", e.Dialect, e.Feature)
}

// Code implements CodedError.
func (e FeatureNotSupportedError) Code() string { return "EntityFeatureNotSupportedException" }

// GroupGovernorConstraintError is raised when deleting a user that governs groups.
type GroupGovernorConstraintError struct {
	UserID int64
}

func (e GroupGovernorConstraintError) Error() string {
	return fmt.Sprintf("user %d is governor of one or more groups", e.UserID)
}

// Code implements CodedError.
func (e GroupGovernorConstraintError) Code() string { return "GroupGovernorConstraintFails" }

// ProjectRootGroupConstraintError is raised when deleting a group that is the
// root group of a project.
type ProjectRootGroupConstraintError struct {
	GroupID int64
}

func (e ProjectRootGroupConstraintError) Error() string {
	return fmt.Sprintf("group %d is the root group of one or more projects", e.GroupID)
}

// Code implements CodedError.
func (e ProjectRootGroupConstraintError) Code() string { return "ProjectRootGroupConstraintFails" }

// ModuleDamagedError reports inconsistent module metadata between code and storage.
type ModuleDamagedError struct {
	AppClass string
	Reason   string
}

func (e ModuleDamagedError) Error() string {
	return fmt.Sprintf("module %s is damaged: %s", e.AppClass, e.Reason)
}

// Code implements CodedError.
func (e ModuleDamagedError) Code() string { return "CorefacilityModuleDamagedException" }

// AutoloadError wraps failures while restoring module state from storage.
type AutoloadError struct {
	AppClass string
	Err      error
}

func (e AutoloadError) Error() string {
	return fmt.Sprintf("autoload %s: %v", e.AppClass, e.Err)
}

// Unwrap exposes the underlying failure.
func (e AutoloadError) Unwrap() error { return e.Err }

// Code implements CodedError.
func (e AutoloadError) Code() string { return "CorefacilityModuleAutoloadFailedException" }

// InstallationError reports a failed module or entry point installation.
type InstallationError struct {
	AppClass string
	Reason   string
	Err      error
}

func (e InstallationError) Error() string {
	msg := fmt.Sprintf("install %s: %s", e.AppClass, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying failure.
func (e InstallationError) Unwrap() error { return e.Err }

// Code implements CodedError.
func (e InstallationError) Code() string { return "InstallationException" }

// RootModuleDeleteError is raised when deleting the root module.
type RootModuleDeleteError struct{}

func (RootModuleDeleteError) Error() string { return "the root module cannot be deleted" }

// Code implements CodedError.
func (RootModuleDeleteError) Code() string { return "RootModuleDeleteException" }

// ModuleConstraintError is raised when deleting a module that still has
// installed children.
type ModuleConstraintError struct {
	AppClass string
	Child    string
}

func (e ModuleConstraintError) Error() string {
	return fmt.Sprintf("module %s still has the installed child module %s", e.AppClass, e.Child)
}

// Code implements CodedError.
func (e ModuleConstraintError) Code() string { return "ModuleConstraintFailedException" }

// ValidationError carries per-field reasons.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns a ValidationError with one reason for field.
func NewValidationError(field, reason string) ValidationError {
	return ValidationError{Fields: map[string][]string{field: {reason}}}
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Code implements CodedError.
func (e ValidationError) Code() string { return "ValidationError" }

// AuthorizationError reports a failed external authorization flow. Route is
// the target the client should be sent to.
type AuthorizationError struct {
	Route   string
	Message string
	Err     error
}

func (e AuthorizationError) Error() string {
	msg := "authorization failed"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying failure.
func (e AuthorizationError) Unwrap() error { return e.Err }

// Code implements CodedError.
func (e AuthorizationError) Code() string { return "AuthorizationException" }

// NoLogError is raised when a handler expects an audit log in its context.
type NoLogError struct{}

func (NoLogError) Error() string { return "no audit log attached to the request" }

// Code implements CodedError.
func (NoLogError) Code() string { return "NoLogException" }
