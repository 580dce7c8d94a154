package socialbus

import (
	"context"

	runtimepkg "github.com/drblury/socialbus/internal/runtime"
	configpkg "github.com/drblury/socialbus/internal/runtime/config"
	containerpkg "github.com/drblury/socialbus/internal/runtime/container"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	eventspkg "github.com/drblury/socialbus/internal/runtime/events"
	idspkg "github.com/drblury/socialbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/socialbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/socialbus/internal/runtime/metadata"
	"github.com/drblury/socialbus/transport"
	_ "github.com/drblury/socialbus/transport/transports"
)

type (
	Config     = configpkg.Config
	ConfigFile = configpkg.File

	Bus              = runtimepkg.Bus
	Buses            = runtimepkg.Buses
	BusDependencies  = runtimepkg.BusDependencies
	TransportFactory = runtimepkg.TransportFactory
	PublishOption    = runtimepkg.PublishOption

	Event  = eventspkg.Event
	Header = eventspkg.Header

	Handler[E Event]     = runtimepkg.Handler[E]
	HandlerFunc[E Event] = runtimepkg.HandlerFunc[E]
	HandlerInfo          = runtimepkg.HandlerInfo
	HandlerStats         = runtimepkg.HandlerStats
	ConsumerInfo         = runtimepkg.ConsumerInfo

	Container = containerpkg.Container
	Scope     = containerpkg.Scope

	AckPolicy       = runtimepkg.AckPolicy
	LogAckPolicy    = runtimepkg.LogAckPolicy
	BrokerAckPolicy = runtimepkg.BrokerAckPolicy

	// Handler lifecycle hooks
	HandlerContext = runtimepkg.HandlerContext
	DispatchHooks  = runtimepkg.DispatchHooks

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	HandlerError          = errspkg.HandlerError

	Capabilities        = transport.Capabilities
	DeliveryModel       = transport.DeliveryModel
	TransportRegistry   = transport.Registry
	TransportBuilder    = transport.Builder
	TransportDescriptor = transport.Descriptor
)

var (
	NewBus         = runtimepkg.NewBus
	NewBuses       = runtimepkg.NewBuses
	NewContainer   = containerpkg.New
	ValidateConfig = configpkg.ValidateConfig
	LoadConfigFile = configpkg.LoadFile
	ParseConfig    = configpkg.Parse
	AckPolicyFor   = runtimepkg.AckPolicyFor

	WithDestination  = runtimepkg.WithDestination
	WithMetadata     = runtimepkg.WithMetadata
	WithPartitionKey = runtimepkg.WithPartitionKey

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewHeader = eventspkg.NewHeader

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID

	// Use RegisterTransport to plug a custom backend into the default registry.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	ErrBusClosed          = errspkg.ErrBusClosed
	ErrPublishCancelled   = errspkg.ErrPublishCancelled
	ErrSubscribeCancelled = errspkg.ErrSubscribeCancelled
	ErrEventRequired      = errspkg.ErrEventRequired
	ErrTypeTagRequired    = errspkg.ErrTypeTagRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrHandlerNotProvided = errspkg.ErrHandlerNotProvided
)

// Acknowledgement modes accepted by Config.AckMode.
const (
	AckModeAuto   = configpkg.AckModeAuto
	AckModeLog    = configpkg.AckModeLog
	AckModeBroker = configpkg.AckModeBroker
)

// Delivery models reported by Capabilities.Delivery.
const (
	DeliveryLog    = transport.DeliveryLog
	DeliveryBroker = transport.DeliveryBroker
)

// Header keys every envelope carries.
const (
	MetadataKeyTypeTag       = metadatapkg.KeyTypeTag
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyOccurredAt    = metadatapkg.KeyOccurredAt
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
)

func Subscribe[E Event, H Handler[E]](ctx context.Context, b *Bus) error {
	return runtimepkg.Subscribe[E, H](ctx, b)
}

func Register[E Event, H Handler[E]](b *Bus) {
	runtimepkg.Register[E, H](b)
}

// Provide registers ctor as the constructor of T. It runs once per message
// scope.
func Provide[T any](c *Container, ctor func(*Scope) (T, error)) {
	containerpkg.Provide(c, ctor)
}

// ProvideValue registers a shared instance of T.
func ProvideValue[T any](c *Container, value T) {
	containerpkg.ProvideValue(c, value)
}

func Resolve[T any](s *Scope) (T, error) {
	return containerpkg.Resolve[T](s)
}

// TypeTagOf returns the type tag of E.
func TypeTagOf[E Event]() string {
	return eventspkg.TagOf[E]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
