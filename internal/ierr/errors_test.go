package ierr

import (
	"errors"
	"testing"
)

func TestPrefillFailedErrorAs(t *testing.T) {
	err := NewPrefillFailed(503, "engine unloaded")

	var pf *PrefillFailedError
	if !errors.As(err, &pf) {
		t.Fatal("expected errors.As to match *PrefillFailedError")
	}
	if pf.Status != 503 {
		t.Errorf("expected status 503, got %d", pf.Status)
	}
}

func TestDecodeFailedErrorAs(t *testing.T) {
	err := NewDecodeFailed(409, "context kind mismatch")

	var df *DecodeFailedError
	if !errors.As(err, &df) {
		t.Fatal("expected errors.As to match *DecodeFailedError")
	}
	if df.Status != 409 {
		t.Errorf("expected status 409, got %d", df.Status)
	}
}

func TestTimeoutErrorAs(t *testing.T) {
	err := NewTimeout(PhaseDecode)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatal("expected errors.As to match *TimeoutError")
	}
	if te.Phase != PhaseDecode {
		t.Errorf("expected phase %q, got %q", PhaseDecode, te.Phase)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrAllServersDown, ErrContextKindMismatch, ErrBadParam, ErrBusy,
		ErrDeterministicUnavailable, ErrCancelled, ErrEngineUnavailable, ErrPromptTooLong,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v should not equal sentinel %v", a, b)
			}
		}
	}
}
