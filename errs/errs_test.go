package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorStringCarriesEnvelopeFields(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("engine", CodeExecution,
		WithOrderID("ord-1"),
		WithMessage("price source failed"),
		WithCause(cause),
		WithMetadata(map[string]string{"instrument": "AAPL"}))

	got := err.Error()
	for _, want := range []string{
		"component=engine",
		"code=execution_failure",
		"order=ord-1",
		`message="price source failed"`,
		`instrument="AAPL"`,
		`cause="socket closed"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("error string %q missing %q", got, want)
		}
	}
}

func TestCodeOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("orderstore/memory", CodeInvalidState, WithOrderID("ord-1"))
	wrapped := fmt.Errorf("transition failed: %w", inner)

	if got := CodeOf(wrapped); got != CodeInvalidState {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInvalidState)
	}
	if !Is(wrapped, CodeInvalidState) {
		t.Fatal("Is should match the wrapped code")
	}
	if Is(wrapped, CodeValidation) {
		t.Fatal("Is must not match a different code")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeExecution, true},
		{CodeUnavailable, true},
		{CodeValidation, false},
		{CodeInvalidState, false},
		{CodeAccessDenied, false},
		{CodeNotFound, false},
		{CodeConflict, false},
	}
	for _, tc := range cases {
		err := New("engine", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root")
	err := New("engine", CodeExecution, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
}

func TestHelperConstructors(t *testing.T) {
	nf := NotFound("engine", "order", "ord-404")
	if nf.Code != CodeNotFound {
		t.Fatalf("NotFound code = %q", nf.Code)
	}
	if nf.Metadata["id"] != "ord-404" {
		t.Fatalf("NotFound metadata = %v", nf.Metadata)
	}

	is := InvalidState("engine", "ord-1", "FILLED", "cancel")
	if is.Code != CodeInvalidState {
		t.Fatalf("InvalidState code = %q", is.Code)
	}
	if is.OrderID != "ord-1" {
		t.Fatalf("InvalidState order = %q", is.OrderID)
	}
}
