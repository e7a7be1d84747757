package bufmgr

import "fmt"

// BackendError is returned when a backend operation fails. Code is the backend's own status
// value and is passed through without interpretation.
type BackendError struct {
	Op   string
	Code int
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed with code %d: %v", e.Op, e.Code, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
