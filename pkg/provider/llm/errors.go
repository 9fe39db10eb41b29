package llm

import (
	"errors"
	"fmt"
)

// StatusError annotates a provider failure with the HTTP status code returned
// by the model endpoint.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: endpoint returned status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status carried by a [StatusError] anywhere in
// err's chain. It returns 0 when none is present.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
