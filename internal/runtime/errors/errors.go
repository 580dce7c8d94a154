package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBusClosed          = sterrors.New("socialbus: bus is shut down")
	ErrPublishCancelled   = sterrors.New("socialbus: publish cancelled")
	ErrSubscribeCancelled = sterrors.New("socialbus: subscribe cancelled before receiving started")
	ErrEventRequired      = sterrors.New("socialbus: event is required")
	ErrTypeTagRequired    = sterrors.New("socialbus: event type tag is required")
	ErrPublisherRequired  = sterrors.New("socialbus: publisher is required")
	ErrSubscriberRequired = sterrors.New("socialbus: subscriber is required")
	ErrTopicRequired      = sterrors.New("socialbus: topic is required")
	ErrConfigRequired     = sterrors.New("socialbus: configuration is required")
	ErrLoggerRequired     = sterrors.New("socialbus: logger is required")
	ErrContainerRequired  = sterrors.New("socialbus: container is required")
	ErrHandlerNotProvided = sterrors.New("socialbus: handler is not provided")
	ErrTransportClosed    = sterrors.New("socialbus: transport is closed")
)

// ConfigValidationError reports an invalid bus configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "socialbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// HandlerError attributes a dispatch failure to the handler that produced it.
type HandlerError struct {
	Handler string
	TypeTag string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("socialbus: handler %s failed on %s: %v", e.Handler, e.TypeTag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
