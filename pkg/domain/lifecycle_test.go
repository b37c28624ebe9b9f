package domain

import (
	"errors"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	lc := NewLifecycle(EntityGroup)
	if err := lc.Touch("name", false); err != nil {
		t.Fatalf("expected read-only field writable while creating, got %v", err)
	}
	if lc.State() != StateCreating {
		t.Fatalf("expected creating state, got %s", lc.State())
	}
	if err := lc.CheckUpdate(); err == nil {
		t.Fatal("expected update on creating entity to fail")
	}
	if err := lc.CheckDelete(); err == nil {
		t.Fatal("expected delete on creating entity to fail")
	}
	if err := lc.CheckCreate(); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	lc.MarkSaved()
	if err := lc.CheckCreate(); err == nil {
		t.Fatal("expected second create to fail")
	}
	if err := lc.Touch("name", true); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}
	if lc.State() != StateChanged {
		t.Fatalf("expected changed state, got %s", lc.State())
	}
	if got := lc.EditedFields(); len(got) != 1 || got[0] != "name" {
		t.Fatalf("expected edit set [name], got %v", got)
	}
	lc.MarkDeleted()
	var opErr OperationNotPermittedError
	if err := lc.CheckDelete(); !errors.As(err, &opErr) {
		t.Fatalf("expected OperationNotPermittedError on double delete, got %v", err)
	}
	if err := lc.CheckUpdate(); err == nil {
		t.Fatal("expected update on deleted entity to fail")
	}
	if err := lc.Touch("name", true); err == nil {
		t.Fatal("expected write on deleted entity to fail")
	}
}

func TestLifecycleReadOnlyField(t *testing.T) {
	lc := LoadedLifecycle(EntityUser, nil)
	if err := lc.Touch("login", false); err == nil {
		t.Fatal("expected read-only write on loaded entity to fail")
	}
	if lc.State() != StateLoaded {
		t.Fatalf("expected state to remain loaded, got %s", lc.State())
	}
}

func TestValidators(t *testing.T) {
	cases := []struct {
		name string
		err  error
		ok   bool
	}{
		{"slug ok", ValidateSlug(EntityProject, "alias", "ivanov-ivan", 64), true},
		{"slug dot", ValidateSlug(EntityProject, "alias", "ivanov.ivan", 64), false},
		{"slug empty", ValidateSlug(EntityProject, "alias", "", 64), false},
		{"slug long", ValidateSlug(EntityProject, "alias", "abcdef", 5), false},
		{"identifier ok", ValidateIdentifier(EntityDescriptor, "identifier", "temp_1", 256), true},
		{"identifier digit", ValidateIdentifier(EntityDescriptor, "identifier", "1temp", 256), false},
		{"discrete alias", ValidateDiscreteAlias(EntityDiscreteValue, "alias", "v1.0-a_b", 256), true},
		{"discrete alias space", ValidateDiscreteAlias(EntityDiscreteValue, "alias", "a b", 256), false},
		{"name blank", ValidateName(EntityGroup, "name", "   ", 256), false},
		{"name unicode", ValidateName(EntityGroup, "name", "Оптическое картирование", 256), true},
	}
	for _, tc := range cases {
		if (tc.err == nil) != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %v", tc.name, tc.ok, tc.err)
		}
	}
	var fieldErr FieldError
	if err := ValidateSlug(EntityProject, "alias", "", 64); !errors.As(err, &fieldErr) || fieldErr.Kind != FieldRequired {
		t.Fatalf("expected required field error, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	var err CodedError = DuplicatedError{Entity: EntityGroup, Fields: []string{"name"}}
	if err.Code() != "EntityDuplicatedException" {
		t.Fatalf("expected EntityDuplicatedException, got %s", err.Code())
	}
	v := ValidationError{Fields: map[string][]string{"b": {"y"}, "a": {"x"}}}
	if v.Error() != "validation failed: a: x, b: y" {
		t.Fatalf("unexpected validation message %q", v.Error())
	}
}
