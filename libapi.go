package eventflow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	txnpkg "github.com/drblury/eventflow/internal/runtime/txn"
	transportpkg "github.com/drblury/eventflow/transport"
)

type (
	Config       = configpkg.Config
	Subscription = configpkg.Subscription

	Dispatcher             = runtimepkg.Dispatcher
	DispatcherDependencies = runtimepkg.DispatcherDependencies
	Registry               = runtimepkg.Registry

	Event       = runtimepkg.Event
	Validatable = runtimepkg.Validatable
	MapEvent    = runtimepkg.MapEvent
	ProtoEvent  = runtimepkg.ProtoEvent

	Handler             = runtimepkg.Handler
	HandlerFunc         = runtimepkg.HandlerFunc
	Named               = runtimepkg.Named
	ExecutionMode       = runtimepkg.ExecutionMode
	AsyncPriority       = runtimepkg.AsyncPriority
	ErrorStrategy       = runtimepkg.ErrorStrategy
	SubscribeOption     = runtimepkg.SubscribeOption
	HandlerRegistration = runtimepkg.HandlerRegistration
	RegistrationHandle  = runtimepkg.RegistrationHandle
	HandlerCatalog      = runtimepkg.HandlerCatalog

	TypedEvent[T any]             = runtimepkg.TypedEvent[T]
	JSONHandler[T any]            = runtimepkg.JSONHandler[T]
	ProtoHandler[T proto.Message] = runtimepkg.ProtoHandler[T]

	Next                   = runtimepkg.Next
	Middleware             = runtimepkg.Middleware
	MiddlewareFunc         = runtimepkg.MiddlewareFunc
	Pipeline               = runtimepkg.Pipeline
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Dispatch lifecycle hooks
	PublishContext = runtimepkg.PublishContext
	DispatchHooks  = runtimepkg.DispatchHooks

	TransactionCallbacks = runtimepkg.TransactionCallbacks
	TransactionProvider  = runtimepkg.TransactionProvider
	TransactionManager   = txnpkg.Manager
	Transaction          = txnpkg.Tx
	DeferMode            = runtimepkg.DeferMode
	PublishOption        = runtimepkg.PublishOption

	TaskQueue             = runtimepkg.TaskQueue
	WatermillQueue        = runtimepkg.WatermillQueue
	Worker                = runtimepkg.Worker
	WorkerDependencies    = runtimepkg.WorkerDependencies
	RetryMiddlewareConfig = runtimepkg.RetryMiddlewareConfig
	Envelope              = envelopepkg.Envelope

	// Observability
	Attributes     = runtimepkg.Attributes
	Sink           = runtimepkg.Sink
	SinkFunc       = runtimepkg.SinkFunc
	NopSink        = runtimepkg.NopSink
	MultiSink      = runtimepkg.MultiSink
	LoggingSink    = runtimepkg.LoggingSink
	PrometheusSink = runtimepkg.PrometheusSink

	HandlerInfo       = runtimepkg.HandlerInfo
	HandlerStats      = runtimepkg.HandlerStats
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ErrorBreakdown    = runtimepkg.ErrorBreakdown
	ResourceUsage     = runtimepkg.ResourceUsage
	BacklogMetrics    = runtimepkg.BacklogMetrics
	QueueHealth       = runtimepkg.QueueHealth
	ErrorCategory     = runtimepkg.ErrorCategory
	ErrorClassifier   = runtimepkg.ErrorClassifier

	// Poison queue metrics
	PoisonMetrics         = runtimepkg.PoisonMetrics
	PoisonQueueMetrics    = runtimepkg.PoisonQueueMetrics
	PoisonMetricsSnapshot = runtimepkg.PoisonMetricsSnapshot

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	InvalidEventError  = errspkg.InvalidEventError
	ConfigurationError = errspkg.ConfigurationError
	PublishError       = errspkg.PublishError
	HandlerError       = errspkg.HandlerError
	PanicError         = errspkg.PanicError

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewDispatcher    = runtimepkg.NewDispatcher
	TryNewDispatcher = runtimepkg.TryNewDispatcher
	NewRegistry      = runtimepkg.NewRegistry

	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ApplyEnv       = configpkg.ApplyEnv
	ValidateConfig = configpkg.ValidateConfig

	NewMapEvent   = runtimepkg.NewMapEvent
	NewEvent      = runtimepkg.NewEvent
	NewProtoEvent = runtimepkg.NewProtoEvent
	DecodeProto   = runtimepkg.DecodeProto

	NewHandlerRegistration = runtimepkg.NewHandlerRegistration
	ParseExecutionMode     = runtimepkg.ParseExecutionMode
	ParseAsyncPriority     = runtimepkg.ParseAsyncPriority
	ParseErrorStrategy     = runtimepkg.ParseErrorStrategy
	WithPriority           = runtimepkg.WithPriority
	Async                  = runtimepkg.Async
	WithMode               = runtimepkg.WithMode
	WithAsyncPriority      = runtimepkg.WithAsyncPriority
	WithErrorStrategy      = runtimepkg.WithErrorStrategy
	WithName               = runtimepkg.WithName

	NewPipeline                     = runtimepkg.NewPipeline
	DefaultMiddlewares              = runtimepkg.DefaultMiddlewares
	RecovererMiddleware             = runtimepkg.RecovererMiddleware
	CorrelationIDMiddleware         = runtimepkg.CorrelationIDMiddleware
	TracerMiddleware                = runtimepkg.TracerMiddleware
	TracerMiddlewareWithProvider    = runtimepkg.TracerMiddlewareWithProvider
	LoggingMiddleware               = runtimepkg.LoggingMiddleware
	MetricsMiddleware               = runtimepkg.MetricsMiddleware
	TransactionVisibilityMiddleware = runtimepkg.TransactionVisibilityMiddleware
	ValidationMiddleware            = runtimepkg.ValidationMiddleware
	WithCorrelationID               = runtimepkg.WithCorrelationID
	CorrelationID                   = runtimepkg.CorrelationID

	// Dispatch lifecycle hooks
	HooksMiddleware = runtimepkg.HooksMiddleware
	LoggingHooks    = runtimepkg.LoggingHooks
	MetricsHooks    = runtimepkg.MetricsHooks
	AlertingHooks   = runtimepkg.AlertingHooks

	NewTransactionManager    = txnpkg.NewManager
	NewSQLTransactionManager = txnpkg.NewSQLManager
	RunInTransaction         = txnpkg.Run
	WithDefer                = runtimepkg.WithDefer

	NewWatermillQueue = runtimepkg.NewWatermillQueue
	NewWorker         = runtimepkg.NewWorker
	NewPoisonMetrics  = runtimepkg.NewPoisonMetrics

	NewLoggingSink    = runtimepkg.NewLoggingSink
	NewPrometheusSink = runtimepkg.NewPrometheusSink

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	CapabilitiesFor          = transportpkg.CapabilitiesFor

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.Nop

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewConfigurationError = errspkg.NewConfigurationError
	IsConfigurationError  = errspkg.IsConfigurationError
	IsInvalidEvent        = errspkg.IsInvalidEvent

	ErrDispatcherRequired   = errspkg.ErrDispatcherRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrMiddlewareRequired   = errspkg.ErrMiddlewareRequired
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrEventTypeRequired    = errspkg.ErrEventTypeRequired
	ErrTaskQueueRequired    = errspkg.ErrTaskQueueRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrNoTransaction        = errspkg.ErrNoTransaction
	ErrTransactionFinished  = errspkg.ErrTransactionFinished
	ErrHandlerTimeout       = errspkg.ErrHandlerTimeout
	ErrHandlerPanicked      = errspkg.ErrHandlerPanicked
	ErrUnknownHandler       = errspkg.ErrUnknownHandler
	ErrDuplicateHandlerName = errspkg.ErrDuplicateHandlerName
	ErrPoisonTask           = errspkg.ErrPoisonTask

	CreateULID = idspkg.CreateULID
)

// Handler priorities. Higher numbers run first.
const (
	MinPriority       = runtimepkg.MinPriority
	MaxPriority       = runtimepkg.MaxPriority
	DefaultPriority   = runtimepkg.DefaultPriority
	CatchAllEventType = runtimepkg.CatchAllEventType
)

const (
	ModeSync  = runtimepkg.ModeSync
	ModeAsync = runtimepkg.ModeAsync

	PriorityCritical = runtimepkg.PriorityCritical
	PriorityHigh     = runtimepkg.PriorityHigh
	PriorityNormal   = runtimepkg.PriorityNormal
	PriorityLow      = runtimepkg.PriorityLow

	StrategyLog    = runtimepkg.StrategyLog
	StrategyRaise  = runtimepkg.StrategyRaise
	StrategyRetry  = runtimepkg.StrategyRetry
	StrategyIgnore = runtimepkg.StrategyIgnore

	DeferAuto   = runtimepkg.DeferAuto
	DeferAlways = runtimepkg.DeferAlways
	DeferNever  = runtimepkg.DeferNever
)

// Sink event names.
const (
	EventPublishStarted         = runtimepkg.EventPublishStarted
	EventPublishDeferred        = runtimepkg.EventPublishDeferred
	EventHandlerError           = runtimepkg.EventHandlerError
	EventHandlerEnqueued        = runtimepkg.EventHandlerEnqueued
	EventSubscriptionRegistered = runtimepkg.EventSubscriptionRegistered
)

// Task metadata keys, readable without decoding the payload.
const (
	MetadataKeyHandler       = metadatapkg.KeyHandler
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyAttempt       = metadatapkg.KeyAttempt
	MetadataKeyEnqueuedAt    = metadatapkg.KeyEnqueuedAt
	MetadataKeyQueue         = metadatapkg.KeyQueue
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func SubscribeJSON[T any](d *Dispatcher, eventType string, fn JSONHandler[T], opts ...SubscribeOption) (RegistrationHandle, error) {
	return runtimepkg.SubscribeJSON(d, eventType, fn, opts...)
}

func SubscribeProto[T proto.Message](d *Dispatcher, fn ProtoHandler[T], opts ...SubscribeOption) (RegistrationHandle, error) {
	return runtimepkg.SubscribeProto(d, fn, opts...)
}
