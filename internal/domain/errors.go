package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCodeNotReserved      = errors.New("discount code is not reserved")
	ErrReservationNotActive = errors.New("reservation is not active")
	ErrUnknownTopic         = errors.New("no handler registered for topic")
	ErrPreviewTimeout       = errors.New("audience preview timed out")
)

// PoolExhaustedError is returned synchronously to the campaign-preparation
// caller so it can react with exact counts (top up the pool, shrink the
// audience).
type PoolExhaustedError struct {
	PoolID    string
	Needed    int
	Available int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("discount pool %s exhausted: need %d, have %d", e.PoolID, e.Needed, e.Available)
}

// ErrorClass classifies a provider failure. Transient failures are worth
// retrying; permanent ones will fail the same way every time.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota + 1
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ProviderError is a classified outbound-send failure. The class survives
// retry exhaustion: a transient error that ran out of local attempts is
// still transient, and the message stays queued for the outer queue retry.
type ProviderError struct {
	Class      ErrorClass
	Code       string
	Message    string
	HTTPStatus int
	cause      error
}

func NewProviderError(class ErrorClass, code, message string, httpStatus int, cause error) *ProviderError {
	return &ProviderError{Class: class, Code: code, Message: message, HTTPStatus: httpStatus, cause: cause}
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider send %s: %s", e.Class, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("provider send %s: %v", e.Class, e.cause)
	}
	return fmt.Sprintf("provider send %s (http %d)", e.Class, e.HTTPStatus)
}

func (e *ProviderError) Unwrap() error { return e.cause }

func (e *ProviderError) Transient() bool { return e.Class == ClassTransient }
