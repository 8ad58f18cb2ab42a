package channels

import "fmt"

// ErrNoSink is returned when a destination names a scheme no sink is
// registered for and there is no default sink.
type ErrNoSink struct {
	Destination string
}

func (e *ErrNoSink) Error() string {
	return fmt.Sprintf("channels: no sink for destination %q", e.Destination)
}

// ErrSendFailed is returned when a message could not be delivered.
type ErrSendFailed struct {
	Sink        string
	Destination string
	Cause       error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send via %s to %s failed: %v", e.Sink, e.Destination, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// ErrStatus is the cause of an ErrSendFailed when the remote answered with
// an unexpected HTTP status.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}
