package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestInBand(t *testing.T) {
	inBand := []Kind{BackendCrashed, BackendUnavailable, ToolTimeout, ToolArgInvalid}
	for _, k := range inBand {
		if !k.InBand() {
			t.Errorf("%s: want InBand() = true", k)
		}
	}

	outOfBand := []Kind{UpstreamHTTPError, UpstreamTransport, UpstreamTruncated, MaxRoundsReached, ClientCanceled, ConfigInvalid}
	for _, k := range outOfBand {
		if k.InBand() {
			t.Errorf("%s: want InBand() = false", k)
		}
	}
}

func TestErrorUnwrapAndAs(t *testing.T) {
	cause := errors.New("boom")
	err := New(ToolTimeout, "tool 'slow' timed out after 1s", cause)

	wrapped := fmt.Errorf("invoking: %w", err)

	got, ok := As(wrapped)
	if !ok {
		t.Fatalf("As() failed to extract *Error")
	}
	if got.Kind != ToolTimeout {
		t.Errorf("Kind = %s, want %s", got.Kind, ToolTimeout)
	}
	if !errors.Is(wrapped, cause) {
		t.Errorf("errors.Is(wrapped, cause) = false, want true")
	}
	if !Is(wrapped, ToolTimeout) {
		t.Errorf("Is(wrapped, ToolTimeout) = false, want true")
	}
	if Is(wrapped, BackendCrashed) {
		t.Errorf("Is(wrapped, BackendCrashed) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(ToolArgInvalid, "invalid tool arguments: unexpected end of JSON input", nil)
	want := "[ToolArgInvalid] invalid tool arguments: unexpected end of JSON input"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
