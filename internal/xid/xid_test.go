package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("sess")
	b := New("sess")
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "sess-") {
		t.Fatalf("expected sess- prefix, got %q", a)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(a, "sess-")); err != nil {
		t.Fatalf("expected uuid suffix: %v", err)
	}
}

func TestNewWithoutPrefix(t *testing.T) {
	if _, err := uuid.Parse(New("")); err != nil {
		t.Fatalf("expected bare uuid: %v", err)
	}
}
