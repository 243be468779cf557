package blockerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyWrapped(t *testing.T) {
	wrapped := fmt.Errorf("fetch 0xdead: %w", MissingBlock)
	if Classify(wrapped) != KindMissingBlock {
		t.Fatalf("Classify() = %v, want KindMissingBlock", Classify(wrapped))
	}
	if !errors.Is(wrapped, MissingBlock) {
		t.Fatalf("errors.Is should match wrapped sentinel")
	}
}

func TestClassifyUnknown(t *testing.T) {
	if Classify(errors.New("boom")) != KindUnknown {
		t.Fatalf("expected KindUnknown for non-taxonomy error")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindMissingBlock:      "MissingBlock",
		KindCollision:         "Collision",
		KindConflict:          "Conflict",
		KindValidationFailed:  "ValidationFailed",
		KindInsufficientSpace: "InsufficientSpace",
		KindUnavailable:       "Unavailable",
		KindUnknownRPC:        "UnknownRPC",
		KindUnknown:           "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
