package collab

import (
	"errors"
	"fmt"

	"github.com/spherify/collab/internal/delta"
)

var (
	// ErrSessionNotFound indicates that the document/user pair is not tracked by any session.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrPersistenceUnavailable indicates that the document store could not be reached.
	ErrPersistenceUnavailable = errors.New("collab: persistence unavailable")
	// ErrMalformedDelta indicates that a change cannot be composed into the document.
	ErrMalformedDelta = delta.ErrMalformedDelta

	errMissingRegistry = errors.New("registry dependency required")
	errMissingStore    = errors.New("document store dependency required")
)

const (
	opRelayNew        = "collab.relay.new"
	opApplyChange     = "collab.apply_change"
	opRequestSnapshot = "collab.request_snapshot"
	opPersist         = "collab.persist"
	opWarmLoad        = "collab.warm_load"
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
