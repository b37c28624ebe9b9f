// Package domain defines the entity kinds, lifecycle state machine, error
// taxonomy and field validators shared by every corefacility component.
package domain

import "sort"

// EntityType identifies the kind of an entity in errors and logs.
type EntityType string

// Entity kinds known to corefacility.
const (
	EntityUser                EntityType = "user"
	EntityGroup               EntityType = "group"
	EntityGroupUser           EntityType = "group_user"
	EntityProject             EntityType = "project"
	EntityProjectPermission   EntityType = "project_permission"
	EntityModule              EntityType = "module"
	EntityEntryPoint          EntityType = "entry_point"
	EntityAuthentication      EntityType = "authentication"
	EntityFailedAuthorization EntityType = "failed_authorization"
	EntityExternalAccount     EntityType = "external_account"
	EntityRecord              EntityType = "record"
	EntityCheckedRecord       EntityType = "checked_record"
	EntityHashtag             EntityType = "hashtag"
	EntityDescriptor          EntityType = "parameter_descriptor"
	EntityDiscreteValue       EntityType = "discrete_value"
	EntityViewedParameter     EntityType = "viewed_parameter"
	EntitySearchProperties    EntityType = "search_properties"
	EntityLog                 EntityType = "log"
	EntityLogRecord           EntityType = "log_record"
)

// State is a position in the entity lifecycle.
type State int

// Lifecycle states. CREATING entities have never been stored; LOADED ones
// came from a reader; CHANGED ones carry unsaved edits; SAVED ones match
// storage; DELETED ones are gone.
const (
	StateCreating State = iota
	StateLoaded
	StateChanged
	StateSaved
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateLoaded:
		return "loaded"
	case StateChanged:
		return "changed"
	case StateSaved:
		return "saved"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Lifecycle carries the state machine and edit set of one entity instance.
// Concrete entities embed it and call Touch from their setters.
type Lifecycle struct {
	kind    EntityType
	state   State
	edited  map[string]struct{}
	wrapped any
}

// NewLifecycle returns a lifecycle in StateCreating.
func NewLifecycle(kind EntityType) Lifecycle {
	return Lifecycle{kind: kind, state: StateCreating}
}

// LoadedLifecycle returns a lifecycle in StateLoaded that remembers the
// storage row the entity was wrapped from.
func LoadedLifecycle(kind EntityType, wrapped any) Lifecycle {
	return Lifecycle{kind: kind, state: StateLoaded, wrapped: wrapped}
}

// Kind returns the entity kind.
func (l *Lifecycle) Kind() EntityType { return l.kind }

// State returns the current lifecycle state.
func (l *Lifecycle) State() State { return l.state }

// Wrapped returns the storage row the entity was wrapped from or last saved as.
func (l *Lifecycle) Wrapped() any { return l.wrapped }

// SetWrapped replaces the remembered storage row.
func (l *Lifecycle) SetWrapped(row any) { l.wrapped = row }

// Touch records a write to field. Non-editable fields may only be written
// while the entity is being created.
func (l *Lifecycle) Touch(field string, editable bool) error {
	switch {
	case l.state == StateDeleted:
		return OperationNotPermittedError{Entity: l.kind, Operation: "set " + field, Reason: "entity is deleted"}
	case !editable && l.state != StateCreating:
		return OperationNotPermittedError{Entity: l.kind, Operation: "set " + field, Reason: "field is read-only"}
	}
	if l.edited == nil {
		l.edited = make(map[string]struct{})
	}
	l.edited[field] = struct{}{}
	if l.state == StateLoaded || l.state == StateSaved {
		l.state = StateChanged
	}
	return nil
}

// IsEdited reports whether field was written since the last save.
func (l *Lifecycle) IsEdited(field string) bool {
	_, ok := l.edited[field]
	return ok
}

// EditedFields returns the sorted edit set.
func (l *Lifecycle) EditedFields() []string {
	out := make([]string, 0, len(l.edited))
	for f := range l.edited {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// CheckCreate validates that create may run.
func (l *Lifecycle) CheckCreate() error {
	if l.state != StateCreating {
		return OperationNotPermittedError{Entity: l.kind, Operation: "create", Reason: "entity is " + l.state.String()}
	}
	return nil
}

// CheckUpdate validates that update may run.
func (l *Lifecycle) CheckUpdate() error {
	if l.state == StateCreating || l.state == StateDeleted {
		return OperationNotPermittedError{Entity: l.kind, Operation: "update", Reason: "entity is " + l.state.String()}
	}
	return nil
}

// CheckDelete validates that delete may run.
func (l *Lifecycle) CheckDelete() error {
	if l.state == StateCreating || l.state == StateDeleted {
		return OperationNotPermittedError{Entity: l.kind, Operation: "delete", Reason: "entity is " + l.state.String()}
	}
	return nil
}

// MarkSaved moves the entity to StateSaved and clears the edit set.
func (l *Lifecycle) MarkSaved() {
	l.state = StateSaved
	l.edited = nil
}

// MarkDeleted moves the entity to StateDeleted.
func (l *Lifecycle) MarkDeleted() {
	l.state = StateDeleted
	l.edited = nil
}
