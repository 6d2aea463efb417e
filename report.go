package dandori

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Status classifies how a system resolved within one tick.
type Status uint8

const (
	// StatusPending means the system has not resolved yet. Only visible in a
	// report if the tick stalled, which indicates a scheduler bug.
	StatusPending Status = iota
	// StatusCompleted means the runner returned success.
	StatusCompleted
	// StatusFailed means the runner returned an error or panicked.
	StatusFailed
	// StatusSkipped means a graph predecessor failed and poisoned this system.
	StatusSkipped
	// StatusCancelled means tick cancellation stopped the system before
	// dispatch.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// SystemOutcome records how one system resolved: its status, failure value
// if any, wall-clock duration, and errors surfaced while applying its
// command buffer at the barrier.
type SystemOutcome struct {
	Err       error
	Name      string
	ApplyErrs []error
	Duration  time.Duration
	ID        int
	Status    Status
}

// TickReport is the result of one tick: per-system outcomes indexed by
// system id, plus a tick id for log correlation. The tick itself does not
// fail on system errors; inspect Err or the outcomes.
type TickReport struct {
	Tick     uuid.UUID
	Outcomes []SystemOutcome
}

// Err aggregates every system failure and command-apply error of the tick,
// or nil if everything completed cleanly.
func (r *TickReport) Err() error {
	var err error
	for i := range r.Outcomes {
		o := &r.Outcomes[i]
		if o.Err != nil {
			err = multierr.Append(err, o.Err)
		}
		for _, ae := range o.ApplyErrs {
			err = multierr.Append(err, ae)
		}
	}
	return err
}

// Failed returns the outcomes of systems that reported failure.
func (r *TickReport) Failed() []SystemOutcome {
	var out []SystemOutcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome of the named system, or nil if unknown.
func (r *TickReport) Outcome(name string) *SystemOutcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Name == name {
			return &r.Outcomes[i]
		}
	}
	return nil
}
