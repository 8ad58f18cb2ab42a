package shops

import "fmt"

// ErrInvalidConfig reports a shop row that failed validation. Row is the
// zero-based position in the source file.
type ErrInvalidConfig struct {
	Row   int
	Cause error
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("shops: row %d: %v", e.Row, e.Cause)
}

func (e *ErrInvalidConfig) Unwrap() error { return e.Cause }
