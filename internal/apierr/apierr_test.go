package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad"), http.StatusUnprocessableEntity},
		{NotFound("missing"), http.StatusNotFound},
		{Conflict("dup"), http.StatusBadRequest},
		{Operator(errors.New("boom"), "failed"), http.StatusBadRequest},
		{Unavailable("down"), http.StatusServiceUnavailable},
	}

	for _, c := range cases {
		if got := c.err.Status(); got != c.want {
			t.Errorf("%v.Status() = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestAsUnwrapsTypedError(t *testing.T) {
	wrapped := errors.New("wrapped: " + Conflict("duplicate").Error())
	if _, ok := As(wrapped); ok {
		t.Fatal("As should not match a plain error that merely embeds similar text")
	}

	apiErr := NotFound("vm %q not found", "v1")
	got, ok := As(apiErr)
	if !ok {
		t.Fatal("As should match an *Error")
	}
	if got.Detail != `vm "v1" not found` {
		t.Fatalf("Detail = %q", got.Detail)
	}
}

func TestOperatorPreservesCause(t *testing.T) {
	cause := errors.New("qmp dial failed")
	err := Operator(cause, "starting VM %q", "v1")

	if err.Unwrap() == nil {
		t.Fatal("Operator error should unwrap to its cause")
	}
	if err.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
}
