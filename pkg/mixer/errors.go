package mixer

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is wrapped by ValidationError when a mapping names a pid the registry does not report.
var ErrSessionNotFound = errors.New("audio session not found")

// ValidationError rejects a presentation request before any state changes.
type ValidationError struct {
	ChannelID int
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("channel %d: %s", e.ChannelID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
