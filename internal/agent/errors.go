package agent

import (
	"errors"
	"fmt"
)

// OversizeError reports a prompt that must not be sent. The next cycle
// summarizes instead.
type OversizeError struct {
	// Reason is "prompt_tokens" or "payload_bytes".
	Reason string
	Size   int
	Limit  int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("prompt too large (%s %d > %d)", e.Reason, e.Size, e.Limit)
}

// IsOversize reports whether err is or wraps an *OversizeError.
func IsOversize(err error) bool {
	var oe *OversizeError
	return errors.As(err, &oe)
}
