package svcflow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/svcflow/internal/runtime"
	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/svcflow/internal/runtime/handlers"
	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	transportpkg "github.com/drblury/svcflow/internal/runtime/transport"
	"github.com/drblury/svcflow/transport"
)

type (
	Config           = configpkg.Config
	ConfigProvider   = configpkg.Provider
	Container        = runtimepkg.Container
	ContainerOption  = runtimepkg.Option
	Service          = runtimepkg.Service
	ServiceOption    = runtimepkg.ServiceOption
	Entrypoint       = runtimepkg.Entrypoint
	EntrypointKind   = runtimepkg.EntrypointKind
	EntrypointOption = runtimepkg.EntrypointOption
	HandlerType      = runtimepkg.HandlerType
	WorkerPool       = runtimepkg.WorkerPool
	TransportFactory = transportpkg.Factory

	Handler                       = handlerpkg.Handler
	Invocation                    = handlerpkg.Invocation
	MessageContextBase            = handlerpkg.MessageContextBase
	JSONContext[T any]            = handlerpkg.JSONContext[T]
	JSONHandler[T any, O any]     = handlerpkg.JSONHandler[T, O]
	ProtoContext[T proto.Message] = handlerpkg.ProtoContext[T]
	ProtoHandler[T proto.Message] = handlerpkg.ProtoHandler[T]

	Provider        = runtimepkg.Provider
	ProviderFunc    = runtimepkg.ProviderFunc
	BaseProvider    = runtimepkg.BaseProvider
	ProviderContext = runtimepkg.ProviderContext
	WorkerInfo      = runtimepkg.WorkerInfo

	EventDispatcher = runtimepkg.EventDispatcher
	EventBody       = runtimepkg.EventBody

	RPCClient   = rpc.Client
	RPCProxyRef = rpc.Proxy
	PendingCall = rpc.PendingCall
	CallOption  = rpc.CallOption
	Envelope    = rpc.Envelope

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ServiceStats    = runtimepkg.ServiceStats
	EntrypointInfo  = runtimepkg.EntrypointInfo
	EntrypointStats = runtimepkg.EntrypointStats

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error taxonomy
	ConfigValidationError = errspkg.ConfigValidationError
	TransportError        = errspkg.TransportError
	DecodeError           = errspkg.DecodeError
	RoutingError          = errspkg.RoutingError
	ApplicationError      = errspkg.ApplicationError
	TimeoutError          = errspkg.TimeoutError
	InfrastructureError   = errspkg.InfrastructureError
	RemoteError           = errspkg.RemoteError
	PanicError            = errspkg.PanicError
	Outcome               = errspkg.Outcome

	// Broker transport
	Broker                = transport.Broker
	Message               = transport.Message
	Delivery              = transport.Delivery
	Subscription          = transport.Subscription
	SubscribeOptions      = transport.SubscribeOptions
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewContainer   = runtimepkg.NewContainer
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse

	WithBroker                = runtimepkg.WithBroker
	WithLogger                = runtimepkg.WithLogger
	WithTransportFactory      = runtimepkg.WithTransportFactory
	WithMiddlewares           = runtimepkg.WithMiddlewares
	WithoutDefaultMiddlewares = runtimepkg.WithoutDefaultMiddlewares
	WithHooks                 = runtimepkg.WithHooks
	WithRegisterer            = runtimepkg.WithRegisterer
	WithRPCOwner              = runtimepkg.WithRPCOwner

	WithCapacity       = runtimepkg.WithCapacity
	WithRateLimit      = runtimepkg.WithRateLimit
	WithExpectedErrors = runtimepkg.WithExpectedErrors
	WithHandlerType    = runtimepkg.WithHandlerType
	Eager              = runtimepkg.Eager

	Static                  = runtimepkg.Static
	ConfigValue             = runtimepkg.ConfigValue
	EventDispatcherProvider = runtimepkg.EventDispatcherProvider
	RPCProxy                = runtimepkg.RPCProxy

	NewEventDispatcher = runtimepkg.NewEventDispatcher
	EventTopic         = runtimepkg.EventTopic
	DecodeEvent        = runtimepkg.DecodeEvent

	NewRPCClient    = rpc.NewClient
	NewRPCProxy     = rpc.NewProxy
	WithCallTimeout = rpc.WithCallTimeout
	WithCallHeaders = rpc.WithHeaders
	IsTimeout       = rpc.IsTimeout

	EntrypointFromContext = runtimepkg.EntrypointFromContext
	DeliveryFromContext   = runtimepkg.DeliveryFromContext

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// DLQ metrics
	NewDLQMetrics = runtimepkg.NewDLQMetrics

	// Error taxonomy
	ErrRetry               = errspkg.ErrRetry
	ErrDeadLetter          = errspkg.ErrDeadLetter
	ErrSkip                = errspkg.ErrSkip
	Infrastructure         = errspkg.Infrastructure
	NewApplicationError    = errspkg.NewApplicationError
	NewTransportError      = errspkg.NewTransportError
	Classify               = errspkg.Classify
	KindOf                 = errspkg.KindOf
	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrContainerStarted    = errspkg.ErrContainerStarted
	ErrUnknownService      = errspkg.ErrUnknownService
	ErrUnknownDependency   = errspkg.ErrUnknownDependency
	ErrEventTypeRequired   = errspkg.ErrEventTypeRequired
	ErrClientNotStarted    = errspkg.ErrClientNotStarted
	ErrClientStopped       = errspkg.ErrClientStopped
	ErrServiceFrozen       = errspkg.ErrServiceFrozen
	ErrDuplicateService    = errspkg.ErrDuplicateService
	ErrContainerNotStarted = errspkg.ErrContainerNotStarted

	// Transport registry. Import individual transports via
	// _ "github.com/drblury/svcflow/transport/rabbitmq", or all of them via
	// _ "github.com/drblury/svcflow/transport/transports".
	RegisterTransport = transport.Register
	BuildTransport    = transport.Build
	GetCapabilities   = transport.GetCapabilities
	NewLocalDelivery  = transport.NewLocalDelivery

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextLogger        = loggingpkg.NewTextLogger
	NewJSONLogger        = loggingpkg.NewJSONLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	NewULID          = idspkg.NewULID
	NewCorrelationID = idspkg.NewCorrelationID
	InstanceID       = idspkg.InstanceID
)

// Entrypoint kinds and event handler types.
const (
	KindRPC   = runtimepkg.KindRPC
	KindEvent = runtimepkg.KindEvent
	KindTimer = runtimepkg.KindTimer

	ServicePool = runtimepkg.ServicePool
	Singleton   = runtimepkg.Singleton
	Broadcast   = runtimepkg.Broadcast
)

// Outcomes a handler error is classified into.
const (
	OutcomeAck        = errspkg.OutcomeAck
	OutcomeRequeue    = errspkg.OutcomeRequeue
	OutcomeDeadLetter = errspkg.OutcomeDeadLetter
)

// Metadata keys - use these constants for standard header fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyCallIDStack   = metadatapkg.KeyCallIDStack
	MetadataKeySource        = metadatapkg.KeySource
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyOriginalTopic = metadatapkg.KeyOriginalTopic
	MetadataKeyError         = metadatapkg.KeyError
	MetadataKeyAttempts      = metadatapkg.KeyAttempts
)

// JSON adapts a typed handler. T must be a pointer type.
func JSON[T any, O any](handler JSONHandler[T, O]) (Handler, error) {
	return handlerpkg.JSON(handler)
}

// MustJSON is JSON for package-level declarations; it panics on error.
func MustJSON[T any, O any](handler JSONHandler[T, O]) Handler {
	h, err := handlerpkg.JSON(handler)
	if err != nil {
		panic(err)
	}
	return h
}

// Proto adapts a typed protobuf handler. Results are encoded with protojson.
func Proto[T proto.Message](prototype T, handler ProtoHandler[T]) (Handler, error) {
	return handlerpkg.Proto(prototype, handler)
}

// MustProto is Proto for package-level declarations; it panics on error.
func MustProto[T proto.Message](prototype T, handler ProtoHandler[T]) Handler {
	h, err := handlerpkg.Proto(prototype, handler)
	if err != nil {
		panic(err)
	}
	return h
}

// DependencyAs returns the dependency injected under name as T.
func DependencyAs[T any](inv *Invocation, name string) (T, error) {
	return handlerpkg.DependencyAs[T](inv, name)
}

// Result decodes the raw result of an RPC call into T.
func Result[T any](raw jsoncodec.RawMessage, err error) (T, error) {
	return rpc.Result[T](raw, err)
}
