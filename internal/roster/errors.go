package roster

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("roster: not found")
	ErrConflict       = errors.New("roster: conflict")
	ErrInvalidInput   = errors.New("roster: invalid input")
	ErrSyncInProgress = errors.New("roster: sync already in progress")
)

// AuthExchangeError means the OAuth authorization code could not be exchanged.
type AuthExchangeError struct {
	Err error
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("oauth code exchange failed: %v", e.Err)
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// ReauthorizationRequiredError means the stored grant no longer works and an
// operator has to connect the integration again.
type ReauthorizationRequiredError struct {
	IntegrationID string
	Err           error
}

func (e *ReauthorizationRequiredError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("integration %s requires reauthorization", e.IntegrationID)
	}
	return fmt.Sprintf("integration %s requires reauthorization: %v", e.IntegrationID, e.Err)
}

func (e *ReauthorizationRequiredError) Unwrap() error { return e.Err }

// DecryptionError means stored credential material could not be opened.
type DecryptionError struct {
	IntegrationID string
	Err           error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt credentials for integration %s: %v", e.IntegrationID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ExternalFetchError wraps a failed read of one provider resource.
type ExternalFetchError struct {
	Resource   string
	StatusCode int
	Err        error
}

func (e *ExternalFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *ExternalFetchError) Unwrap() error { return e.Err }

// ReconciliationError wraps an internal store failure while applying a change.
type ReconciliationError struct {
	Op  string
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Retryable reports whether a failed run may succeed when attempted again.
// Credential and authorization failures need operator action.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		decErr   *DecryptionError
		reauth   *ReauthorizationRequiredError
		exchange *AuthExchangeError
	)
	switch {
	case errors.As(err, &decErr), errors.As(err, &reauth), errors.As(err, &exchange):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		return false
	}
	return true
}
