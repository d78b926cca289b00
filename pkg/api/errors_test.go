package api

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	apperrors "github.com/goliatone/go-errors"
)

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{From: "Created", To: "Running"}
	if err.Error() != "Cannot transition from Created to Running" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if ErrorCode(err) != ErrCodeInvalidTransition {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}
}

func TestFlowShapeMismatchError_ListsDifferences(t *testing.T) {
	err := &FlowShapeMismatchError{
		FlowSlug:    "seq",
		Differences: []string{"Step count differs: 2 vs 1", "Step at index 1: missing in second shape (first has 'double')"},
	}
	msg := err.Error()
	for _, d := range err.Differences {
		if !strings.Contains(msg, d) {
			t.Fatalf("message %q lacks %q", msg, d)
		}
	}

	var ge *apperrors.Error
	if !errors.As(fmt.Errorf("startup: %w", err), &ge) {
		t.Fatalf("expected go-errors payload")
	}
	if ge.TextCode != ErrCodeShapeMismatch {
		t.Fatalf("unexpected code %q", ge.TextCode)
	}
	if ge.Metadata["flow_slug"] != "seq" {
		t.Fatalf("unexpected metadata %v", ge.Metadata)
	}
}

func TestErrorCode_Uncoded(t *testing.T) {
	if ErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
	if ErrorCode(nil) != "" {
		t.Fatalf("nil carries no code")
	}
}
