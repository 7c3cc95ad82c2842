package etl

import "fmt"

// CycleError is a whole-cycle failure. It unwraps to both the taxonomy
// sentinel (domain.ErrSourceUnavailable, domain.ErrStoreUnavailable) and
// the underlying cause, so errors.Is works for either.
type CycleError struct {
	Kind  error
	State State // last state reached before the failure
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("sync cycle failed after %s: %v: %v", e.State, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
