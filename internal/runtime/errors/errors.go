package errors

import sterrors "errors"

var (
	ErrServiceRequired        = sterrors.New("svcflow: service descriptor is required")
	ErrServiceNameRequired    = sterrors.New("svcflow: service name is required")
	ErrDuplicateService       = sterrors.New("svcflow: service already registered")
	ErrDuplicateEntrypoint    = sterrors.New("svcflow: entrypoint already declared")
	ErrDuplicateDependency    = sterrors.New("svcflow: dependency already declared")
	ErrServiceFrozen          = sterrors.New("svcflow: service descriptor is immutable after start")
	ErrHandlerRequired        = sterrors.New("svcflow: handler function is required")
	ErrMethodNameRequired     = sterrors.New("svcflow: method name is required")
	ErrInvalidName            = sterrors.New("svcflow: service and method names must be a single topic word")
	ErrEventBindingRequired   = sterrors.New("svcflow: event source and type are required")
	ErrIntervalRequired       = sterrors.New("svcflow: timer interval must be positive")
	ErrInvalidCapacity        = sterrors.New("svcflow: worker pool capacity must be at least 1")
	ErrProviderRequired       = sterrors.New("svcflow: dependency provider is required")
	ErrContainerStarted       = sterrors.New("svcflow: container already started")
	ErrContainerNotStarted    = sterrors.New("svcflow: container is not running")
	ErrBrokerRequired         = sterrors.New("svcflow: broker is required")
	ErrConfigRequired         = sterrors.New("svcflow: configuration is required")
	ErrLoggerRequired         = sterrors.New("svcflow: logger is required")
	ErrTopicRequired          = sterrors.New("svcflow: topic is required")
	ErrEventTypeRequired      = sterrors.New("svcflow: event type is required")
	ErrUnknownService         = sterrors.New("svcflow: unknown service")
	ErrUnknownEntrypoint      = sterrors.New("svcflow: unknown entrypoint")
	ErrUnknownDependency      = sterrors.New("svcflow: unknown dependency")
	ErrReplyAddressMissing    = sterrors.New("svcflow: rpc request carries no reply address")
	ErrConsumeMessageRequired = sterrors.New("svcflow: message type is required")
	ErrMessagePointerNeeded   = sterrors.New("svcflow: message type must be a pointer")
	ErrClientNotStarted       = sterrors.New("svcflow: rpc client is not started")
	ErrClientStopped          = sterrors.New("svcflow: rpc client stopped")
)

// ConfigValidationError wraps configuration problems detected before start.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "svcflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
