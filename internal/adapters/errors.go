package adapters

import "fmt"

// ParseError marks a collaborator response we could reach but not trust.
// It is not retryable: the same payload will fail the same way.
type ParseError struct {
	Source string
	Field  string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: bad %s %q: %v", e.Source, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
