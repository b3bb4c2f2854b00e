package coral

import (
	"errors"
	"testing"
	"time"
)

func TestExponentialRetryTerminalKinds(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.ShouldRetry(1, newValidationError("bad input")) {
		t.Error("validation errors must not retry")
	}
	if p.ShouldRetry(1, &ConflictError{APIError: APIError{Kind: ErrorConflict}}) {
		t.Error("conflict errors must not retry")
	}
	if !p.ShouldRetry(1, &APIError{Kind: ErrorNetwork}) {
		t.Error("network errors should retry")
	}
	// Plain errors count as network failures.
	if !p.ShouldRetry(1, errors.New("connection reset")) {
		t.Error("unclassified errors should retry")
	}
}

func TestExponentialRetryAttemptCap(t *testing.T) {
	p := &ExponentialRetry{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3}
	netErr := &APIError{Kind: ErrorNetwork}

	for attempt := 1; attempt <= 3; attempt++ {
		if !p.ShouldRetry(attempt, netErr) {
			t.Errorf("attempt %d should retry", attempt)
		}
	}
	if p.ShouldRetry(4, netErr) {
		t.Error("attempt 4 should be terminal")
	}

	unlimited := &ExponentialRetry{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	if !unlimited.ShouldRetry(100, netErr) {
		t.Error("zero MaxAttempts means unlimited retries")
	}
}

func TestExponentialRetryBackoffCurve(t *testing.T) {
	p := &ExponentialRetry{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 0}
	netErr := &APIError{Kind: ErrorNetwork}

	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.RetryTimeout(attempt, netErr)
		floor := time.Duration(float64(time.Second) * float64(int(1)<<uint(attempt-1)))
		if floor > p.MaxDelay {
			floor = p.MaxDelay
		}
		if d < floor {
			t.Errorf("attempt %d: delay %v below floor %v", attempt, d, floor)
		}
		if d > p.MaxDelay {
			t.Errorf("attempt %d: delay %v above cap %v", attempt, d, p.MaxDelay)
		}
		if floor < prevFloor {
			t.Fatalf("floor not monotonic")
		}
		prevFloor = floor
	}
}

func TestNoRetries(t *testing.T) {
	p := NoRetries{}
	if p.ShouldRetry(1, &APIError{Kind: ErrorNetwork}) {
		t.Error("NoRetries must never retry")
	}
	if p.RetryTimeout(1, nil) != 0 {
		t.Error("NoRetries timeout should be zero")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(newValidationError("x")); got != ErrorValidation {
		t.Errorf("validation classified as %s", got)
	}
	if got := Classify(&ConflictError{APIError: APIError{Kind: ErrorConflict}}); got != ErrorConflict {
		t.Errorf("conflict classified as %s", got)
	}
	if got := Classify(errors.New("dial tcp: refused")); got != ErrorNetwork {
		t.Errorf("plain error classified as %s", got)
	}
}
