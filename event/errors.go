package event

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by every error reporting a request that is
// missing a field the protocol requires. Test with errors.Is.
var ErrProtocolViolation = errors.New("protocol violation")

// DecodeError reports an event payload that does not parse against the
// schema its type URL names.
type DecodeError struct {
	// TypeURL is the type URL carried by the payload.
	TypeURL string
	// Err is the underlying resolution or unmarshal error.
	Err error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload %q: %v", e.TypeURL, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrProtocolViolation, field)
}
