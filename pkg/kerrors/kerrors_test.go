package kerrors

import (
	"errors"
	"testing"
)

func TestError_Unwrap(t *testing.T) {
	wrapped := errors.New("underlying")
	err := IO("readFile", wrapped)

	if !errors.Is(err, wrapped) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}

func TestError_IsMatchesSameKindSentinel(t *testing.T) {
	err := NotFound("getSession")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound) to match on Kind")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("expected a not_found error not to match the validation sentinel")
	}
}

func TestUnknownAgent_IsRoutingKind(t *testing.T) {
	err := UnknownAgent("ghost")
	if err.Kind != KindRouting {
		t.Errorf("expected KindRouting, got %s", err.Kind)
	}
	if err.Field != "agentId" {
		t.Errorf("expected field agentId, got %q", err.Field)
	}
}

func TestValidation_CarriesFieldAndTypes(t *testing.T) {
	err := Validation("appendTurn", "role", "conversation.Role", "string")
	msg := err.Error()
	if err.Kind != KindValidation {
		t.Errorf("expected KindValidation, got %s", err.Kind)
	}
	want := "appendTurn: validation (field=role) (expected=conversation.Role actual=string)"
	if msg != want {
		t.Errorf("unexpected Error() string:\n got:  %s\n want: %s", msg, want)
	}
}

func TestAsExtractsTypedError(t *testing.T) {
	var err error = Storage("writeTurn", errors.New("disk full"))

	var kerr *Error
	if !errors.As(err, &kerr) {
		t.Fatal("expected errors.As to extract *Error")
	}
	if kerr.Kind != KindStorage {
		t.Errorf("expected KindStorage, got %s", kerr.Kind)
	}
}
