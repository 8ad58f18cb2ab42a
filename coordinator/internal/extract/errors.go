package extract

import "fmt"

// ErrOutputTooLarge is returned when a scraper wrote more than MaxOutput
// characters. The whole run is discarded.
type ErrOutputTooLarge struct {
	Size  int
	Limit int
}

func (e *ErrOutputTooLarge) Error() string {
	return fmt.Sprintf("extract: output too large: %d > %d", e.Size, e.Limit)
}
