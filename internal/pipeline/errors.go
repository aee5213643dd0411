// ABOUTME: Error taxonomy for conversational turns.
// ABOUTME: Validation problems are recovered; transport and extraction failures roll back history.

package pipeline

import (
	"errors"
	"fmt"
)

// ErrStopped is returned when a stop request discarded the response.
var ErrStopped = errors.New("response discarded by stop request")

// ValidationError describes an attachment that was skipped.
type ValidationError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failed completion call.
type TransportError struct {
	Model string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("completion with %s failed: %v", e.Model, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ExtractionError means the provider answered but no text could be read.
type ExtractionError struct {
	Model string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no usable response from %s: %v", e.Model, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
