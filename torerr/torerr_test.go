package torerr

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	err := New(KindProtocolViolation, "circuit 7", errors.New("bad digest"))
	if !errors.Is(err, ProtocolViolation) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, Timeout) {
		t.Fatal("expected no match against a different Kind")
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := New(KindTransportFailure, "channel 1", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause")
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := New(KindResourceExhaustion, "circuit 0x80000001", nil)
	want := "[resource_exhaustion] circuit 0x80000001"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
