package osrm

import (
	"errors"
	"fmt"
)

var (
	// ErrService marks an answer in which the table service itself rejected the request.
	ErrService = errors.New("table service error")

	// ErrNoBackend is returned by an empty Pool.
	ErrNoBackend = errors.New("no table backend available")
)

// Error is a decoded error body of the table service.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("table service %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrService
}
