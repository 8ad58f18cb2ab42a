package runner

import (
	"fmt"
	"time"
)

// ErrTimeout is returned when a script exceeded its wall-clock budget and
// was killed.
type ErrTimeout struct {
	Script  string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("runner: %s timed out after %s", e.Script, e.Timeout)
}
