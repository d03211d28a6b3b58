package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindPredicates(t *testing.T) {
	cases := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{name: "validation", err: Validation("op", "bad input"), pred: IsValidation},
		{name: "not_found", err: NotFound("op", "thing %s", "x"), pred: IsNotFound},
		{name: "conflict", err: Conflict("op", "duplicate"), pred: IsConflict},
		{name: "remote_provider", err: RemoteProvider("op", errors.New("down")), pred: IsRemoteProvider},
		{name: "persistence", err: Persistence("op", errors.New("tx failed")), pred: IsPersistence},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.pred(tc.err) {
				t.Errorf("predicate rejected its own kind: %v", tc.err)
			}
			if IsValidation(tc.err) && tc.name != "validation" {
				t.Errorf("%v misclassified as validation", tc.err)
			}
		})
	}
}

func TestPredicateSeesWrappedError(t *testing.T) {
	inner := NotFound("storage.GetConversation", "conversation thread-1")
	wrapped := fmt.Errorf("loading transcript: %w", inner)
	if !IsNotFound(wrapped) {
		t.Errorf("IsNotFound failed through %%w wrapping")
	}
	if IsNotFound(errors.New("plain")) {
		t.Errorf("IsNotFound matched a plain error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := RemoteProvider("provider.CreateAssistant", errors.New("429 too many requests"))
	got := err.Error()
	want := "provider.CreateAssistant: remote_provider: 429 too many requests"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
