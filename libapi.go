package actorflow

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/actorflow/internal/runtime"
	actorpkg "github.com/drblury/actorflow/internal/runtime/actor"
	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	crdtpkg "github.com/drblury/actorflow/internal/runtime/crdt"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/actorflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/actorflow/internal/runtime/metadata"
	queuepkg "github.com/drblury/actorflow/internal/runtime/queue"
	ratelimitpkg "github.com/drblury/actorflow/internal/runtime/ratelimit"
	routerpkg "github.com/drblury/actorflow/internal/runtime/router"
	sessionpkg "github.com/drblury/actorflow/internal/runtime/session"
	storagepkg "github.com/drblury/actorflow/internal/runtime/storage"
	validatepkg "github.com/drblury/actorflow/internal/runtime/validate"
	transportpkg "github.com/drblury/actorflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	QueueRegistration   = runtimepkg.QueueRegistration

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Procedures
	Router      = routerpkg.Router
	Call        = routerpkg.Call
	HandleFunc  = routerpkg.HandleFunc
	Event       = routerpkg.Event
	Env         = routerpkg.Env
	Context     = routerpkg.Context
	Middleware  = routerpkg.Middleware
	CallHooks   = routerpkg.Hooks
	CallInfo    = routerpkg.CallInfo
	File        = routerpkg.File
	Stream      = routerpkg.Stream
	RateLimiter = routerpkg.RateLimiter
	QueueSender = routerpkg.QueueSender
	Schema      = validatepkg.Schema

	// Actors
	Actor         = actorpkg.Actor
	ActorOptions  = actorpkg.Options
	ActorFactory  = actorpkg.Factory
	Admission     = actorpkg.Admission
	Namespace     = actorpkg.Namespace
	Selector      = actorpkg.Selector
	LocateFunc    = actorpkg.LocateFunc
	ObjectInfo    = sessionpkg.ObjectInfo
	Participant   = sessionpkg.Participant
	Peer          = sessionpkg.Peer
	RateComposer  = ratelimitpkg.Composer
	DocOptions    = crdtpkg.DocOptions
	DocServer     = crdtpkg.DocServer
	DocLimits     = crdtpkg.Limits
	Storage       = storagepkg.Storage
	StorageEntry  = storagepkg.Entry
	StorageTxn    = storagepkg.Txn
	BadgerConfig  = storagepkg.BadgerConfig
	QueueLimits   = queuepkg.Limits
	QueueProducer = queuepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ErrorKind             = errspkg.Kind
	Condition             = errspkg.Condition
	Issue                 = errspkg.Issue
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	QueueStats    = runtimepkg.QueueStats
	QueueSnapshot = runtimepkg.QueueSnapshot
	Catalog       = runtimepkg.Catalog

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks
	LoggingCallHooks   = routerpkg.LoggingHooks

	Procedure   = routerpkg.Procedure
	WithValue   = routerpkg.Value
	NewStream   = routerpkg.NewStream
	StreamOf    = routerpkg.StreamValues
	StaticActor = actorpkg.Static
	DocFactory  = crdtpkg.DocFactory

	All   = actorpkg.All
	IDs   = actorpkg.IDs
	Omit  = actorpkg.Omit
	Tag   = actorpkg.Tag
	Where = actorpkg.Where
	And   = actorpkg.And

	NewMapLimiter = ratelimitpkg.NewMapLimiter
	ByParticipant = ratelimitpkg.ByParticipant
	ByRemoteAddr  = ratelimitpkg.ByRemoteAddr
	ByPath        = ratelimitpkg.ByPath

	NewMemoryStorage = storagepkg.NewMemory
	OpenBadger       = storagepkg.OpenBadger

	AnyInput      = validatepkg.Any
	RequiredInput = validatepkg.Required

	NewError          = errspkg.New
	NewErrorf         = errspkg.Newf
	WrapError         = errspkg.Wrap
	NewBadRequest     = errspkg.NewBadRequest
	ErrorFrom         = errspkg.From
	IsErrorKind       = errspkg.IsKind
	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrRouterRequired = errspkg.ErrRouterRequired
	ErrStreamConsumed = errspkg.ErrStreamConsumed

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Condition kinds, each mapped to one HTTP status.
const (
	BadRequest           = errspkg.BadRequest
	Unauthorized         = errspkg.Unauthorized
	Forbidden            = errspkg.Forbidden
	NotFound             = errspkg.NotFound
	Conflict             = errspkg.Conflict
	TooManyRequests      = errspkg.TooManyRequests
	UnprocessableContent = errspkg.UnprocessableContent
	Internal             = errspkg.Internal
)

const (
	PresenceAll  = actorpkg.PresenceAll
	PresenceNone = actorpkg.PresenceNone
)

// Metadata keys set on queue messages.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyAttempt       = metadatapkg.KeyAttempt
	MetadataKeyDelay         = metadatapkg.KeyDelay
	MetadataKeyQueue         = metadatapkg.KeyQueue
)

// Typed adapts fn so it receives the validated input as I.
func Typed[I any](fn func(ctx context.Context, call Call, in I) (any, error)) HandleFunc {
	return routerpkg.Typed(fn)
}

// StructInput validates input into T using its `validate` tags.
func StructInput[T any]() Schema {
	return validatepkg.Struct[T]()
}

// InputAs converts the validated input of call into I.
func InputAs[I any](call Call) (I, error) {
	return routerpkg.InputAs[I](call)
}

// WithDelay returns metadata that holds a queue message back for delay.
func WithDelay(delay time.Duration) Metadata {
	md := Metadata{}
	metadatapkg.SetDelay(md, delay)
	return md
}
