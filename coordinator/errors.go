package coordinator

import "errors"

// ErrMissingToken is returned by New when no ChatWork token is configured
// outside dry-run mode.
var ErrMissingToken = errors.New("coordinator: CHATWORK_TOKEN is required unless notify.dry_run is set")

// Outcome classifies one scheduled execution.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeEmpty          Outcome = "empty"
	OutcomeFailed         Outcome = "failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeSkippedLimiter Outcome = "skipped_limiter"
	OutcomeSkippedCircuit Outcome = "skipped_circuit"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeMissing        Outcome = "missing"
)

// Ran reports whether the scheduler should consider the script handled.
// Skipped scripts are retried first by the next tier-2 sweep.
func (o Outcome) Ran() bool {
	return o != OutcomeSkippedLimiter && o != OutcomeSkippedCircuit
}

// Executed reports whether a process was spawned.
func (o Outcome) Executed() bool {
	switch o {
	case OutcomeSuccess, OutcomeEmpty, OutcomeFailed, OutcomeTimeout:
		return true
	}
	return false
}

// breakerFailure reports whether o counts against the script's breaker.
func (o Outcome) breakerFailure() bool {
	return o == OutcomeEmpty || o == OutcomeFailed || o == OutcomeTimeout
}
