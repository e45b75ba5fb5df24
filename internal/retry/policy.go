// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"time"

	"merchant-sync/internal/models"
)

const (
	DefaultBaseDelay   = time.Minute
	DefaultMaxDelay    = time.Hour
	DefaultMaxAttempts = 5
)

// Policy is an exponential backoff with a cap:
// delay = min(BaseDelay * 2^(attempt-1), MaxDelay).
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// TerminalReasons fail the job immediately regardless of attempts left.
	TerminalReasons []string
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Status      models.JobStatus
	NextRetryAt *time.Time
}

// Delay returns the backoff for a given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Decide maps (attempt, reason) to the next job state. It never fails.
func (p Policy) Decide(attempt int, reason string, now time.Time) Decision {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= p.MaxAttempts || p.terminal(reason) {
		return Decision{Status: models.StatusFailed}
	}
	next := now.Add(p.Delay(attempt))
	return Decision{Status: models.StatusPending, NextRetryAt: &next}
}

func (p Policy) terminal(reason string) bool {
	for _, r := range p.TerminalReasons {
		if r == reason {
			return true
		}
	}
	return false
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}
