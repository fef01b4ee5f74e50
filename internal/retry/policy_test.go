package retry

import (
	"errors"
	"testing"
	"time"

	"quillsync/internal/domain"
)

func TestPolicy_NextDelayGrowsExponentially(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 5)

	// Jitter is ±20%, so check the delay falls inside the jittered band
	// around base * 2^(attempt-1).
	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	} {
		got := p.NextDelay(attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("attempt %d: expected delay in [%v, %v], got %v", attempt, lo, hi, got)
		}
	}
}

func TestPolicy_NextDelayCapped(t *testing.T) {
	p := NewPolicy(time.Second, 5*time.Second, 10)

	for attempt := 5; attempt <= 20; attempt++ {
		if got := p.NextDelay(attempt); got > 5*time.Second {
			t.Errorf("attempt %d: expected delay capped at 5s, got %v", attempt, got)
		}
	}
}

func TestPolicy_ShouldGiveUp(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 3)

	if p.ShouldGiveUp(1) || p.ShouldGiveUp(2) {
		t.Error("expected attempts below the ceiling to continue")
	}
	if !p.ShouldGiveUp(3) {
		t.Error("expected attempt 3 to hit the ceiling")
	}
	if !p.ShouldGiveUp(4) {
		t.Error("expected attempts past the ceiling to give up")
	}
}

func TestRetryable_Classification(t *testing.T) {
	transient := &domain.TransientError{Op: "upload", Err: errors.New("timeout")}
	permanent := &domain.PermanentError{Op: "upload", Err: errors.New("revoked")}
	integrity := &domain.IntegrityError{NoteID: "n1", Err: errors.New("bad tag")}

	if !Retryable(transient) {
		t.Error("expected transient errors to retry")
	}
	if Retryable(permanent) {
		t.Error("expected permanent errors to fail fast")
	}
	if Retryable(integrity) {
		t.Error("expected integrity errors to fail fast")
	}
	if Retryable(errors.New("unclassified")) {
		t.Error("expected unclassified errors not to retry")
	}
	if Retryable(nil) {
		t.Error("expected nil to not retry")
	}
}
