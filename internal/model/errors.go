package model

import (
	"errors"
	"fmt"
)

// ErrNoAgentsAvailable is returned when candidate discovery yields no agents.
// This is the one upstream failure that is request-fatal: routing cannot
// degrade to a default when there is nothing to route to.
var ErrNoAgentsAvailable = errors.New("no agents available for routing")

// ValidationError reports a bad input shape or range. Surfaced to callers
// as HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UpstreamError reports an unreachable collaborator (agent directory, Karma
// service, feedback-score source). Optional signals recover locally with
// neutral values; only mandatory signals surface this error.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
