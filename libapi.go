package orderflow

import (
	runtimepkg "github.com/defood/orderflow/internal/runtime"
	"github.com/defood/orderflow/internal/runtime/broker"
	configpkg "github.com/defood/orderflow/internal/runtime/config"
	"github.com/defood/orderflow/internal/runtime/dedup"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	handlerpkg "github.com/defood/orderflow/internal/runtime/handlers"
	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	jsoncodec "github.com/defood/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
	"github.com/defood/orderflow/internal/runtime/orders"
	"github.com/defood/orderflow/internal/runtime/store"
	"github.com/defood/orderflow/internal/runtime/topology"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Publisher         = runtimepkg.Publisher
	PublisherConfig   = runtimepkg.PublisherConfig
	EventPublisher    = runtimepkg.EventPublisher
	Pipeline          = runtimepkg.Pipeline
	PipelineConfig    = runtimepkg.PipelineConfig
	Consumer          = runtimepkg.Consumer
	ConsumerConfig    = runtimepkg.ConsumerConfig
	HandlerTable      = runtimepkg.HandlerTable
	Submitter         = runtimepkg.Submitter
	SubmitResult      = runtimepkg.SubmitResult
	RetryingSubmitter = runtimepkg.RetryingSubmitter
	Metrics           = runtimepkg.Metrics
	MetricsSnapshot   = runtimepkg.MetricsSnapshot
	StatsReport       = runtimepkg.StatsReport
	Dialer            = broker.Dialer
	ConnectorConfig   = broker.ConnectorConfig
	TopologyLayout    = topology.Descriptor
	TopologyBinding   = topology.Binding
	OrderStore        = store.OrderStore
	MemoryStore       = store.MemoryStore
	PostgresStore     = store.PostgresStore
	DedupStore        = dedup.Store
	Envelope          = events.Envelope
	HandlerFunc       = handlerpkg.Func
	Message           = handlerpkg.Message
	OrderCreatedData  = orders.OrderCreatedData
	UserCreatedData   = orders.UserCreatedData

	JSONMessageContext[T any] = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any] = handlerpkg.JSONMessageHandler[T]
	MessageContextBase        = handlerpkg.MessageContextBase

	Submission  = orders.Submission
	ItemRequest = orders.ItemRequest
	Order       = orders.Order
	OrderStatus = orders.Status
	MenuItem    = orders.MenuItem
	UserProfile = orders.UserProfile

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error types
	ConfigValidationError = errspkg.ConfigValidationError
	ValidationError       = errspkg.ValidationError
	ConnectionError       = errspkg.ConnectionError
	PublishError          = errspkg.PublishError
	DecodeError           = errspkg.DecodeError
	HandlerError          = errspkg.HandlerError
	CompensationError     = errspkg.CompensationError
	DeclareError          = topology.DeclareError
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewPublisher         = runtimepkg.NewPublisher
	NewPipeline          = runtimepkg.NewPipeline
	NewRetryingSubmitter = runtimepkg.NewRetryingSubmitter
	NewConsumer          = runtimepkg.NewConsumer
	NewMetrics           = runtimepkg.NewMetrics
	NewConnector         = broker.NewConnector
	NewTopology          = topology.NewManager
	TopologyFromConf     = topology.FromConfig
	NewMemoryStore       = store.NewMemoryStore
	NewPostgresStore     = store.NewPostgresStore
	NewRedisDedup        = dedup.NewRedisStore
	NewMemoryDedup       = dedup.NewMemoryStore
	MatchTopic           = broker.MatchTopic

	NewEnvelope    = events.New
	DecodeEnvelope = events.Decode
	EncodeEnvelope = events.Encode

	OrderCreatedHandler = handlerpkg.OrderCreated
	UserCreatedHandler  = handlerpkg.UserCreated
	MustBuildHandler    = handlerpkg.MustBuild

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	DedupMiddleware         = runtimepkg.DedupMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	ContextWithCorrelationID = runtimepkg.ContextWithCorrelationID
	CorrelationIDFromContext = runtimepkg.CorrelationIDFromContext

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrStoreRequired       = errspkg.ErrStoreRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrRoutingKeyRequired  = errspkg.ErrRoutingKeyRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrQueueRequired       = errspkg.ErrQueueRequired
	ErrEventTypeRequired   = errspkg.ErrEventTypeRequired
	ErrNotFound            = errspkg.ErrNotFound
	ErrSessionClosed       = errspkg.ErrSessionClosed
	ErrPublishNotConfirmed = errspkg.ErrPublishNotConfirmed
	ErrUnroutable          = errspkg.ErrUnroutable
	ErrInvalidTransition   = orders.ErrInvalidTransition

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewOrderID = idspkg.NewOrderID
)

// Event types carried in the envelope.
const (
	EventOrderCreated = events.OrderCreated
	EventUserCreated  = events.UserCreated
)

// Metadata keys - use these constants for standard header fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyRoutingKey    = metadatapkg.KeyRoutingKey
	MetadataKeyQueue         = metadatapkg.KeyQueue
	MetadataKeyProducer      = metadatapkg.KeyProducer
	MetadataKeyDedup         = metadatapkg.KeyDedup
	MetadataKeyRedelivered   = metadatapkg.KeyRedelivered
)

// Order statuses.
const (
	StatusPending    = orders.StatusPending
	StatusConfirmed  = orders.StatusConfirmed
	StatusPreparing  = orders.StatusPreparing
	StatusDelivering = orders.StatusDelivering
	StatusDelivered  = orders.StatusDelivered
	StatusCancelled  = orders.StatusCancelled
)

// BuildJSONHandler adapts a typed handler that only accepts eventType.
func BuildJSONHandler[T any](eventType string, handler JSONMessageHandler[T]) (HandlerFunc, error) {
	return handlerpkg.BuildJSONHandler(eventType, handler)
}
