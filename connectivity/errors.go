package connectivity

import "fmt"

// ErrCircuitOpen is returned when the circuit breaker for a target is open,
// rejecting the call without running it.
type ErrCircuitOpen struct {
	Target string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Target)
}
