package rabbitscope

import (
	"io"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/management"
	"github.com/drblury/rabbitscope/internal/oneshot"
	"github.com/drblury/rabbitscope/internal/profiles"
	configpkg "github.com/drblury/rabbitscope/internal/runtime/config"
	errspkg "github.com/drblury/rabbitscope/internal/runtime/errors"
	idspkg "github.com/drblury/rabbitscope/internal/runtime/ids"
	jsoncodec "github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitscope/internal/runtime/logging"
	metricspkg "github.com/drblury/rabbitscope/internal/runtime/metrics"
	"github.com/drblury/rabbitscope/internal/server"
	"github.com/drblury/rabbitscope/internal/stream"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	StreamMetrics = metricspkg.StreamMetrics

	BrokerParams = broker.Params

	Profile              = profiles.Profile
	CreateProfileRequest = profiles.CreateRequest
	UpdateProfileRequest = profiles.UpdateRequest
	ProfileStore         = profiles.Store

	SessionManager       = stream.Manager
	SessionManagerConfig = stream.ManagerConfig
	Session              = stream.Session
	SessionInfo          = stream.SessionInfo
	SessionState         = stream.State
	StartRequest         = stream.StartRequest
	Command              = stream.Command
	Event                = stream.Event
	EventType            = stream.EventType
	NormalizedMessage    = stream.NormalizedMessage

	OneShotClient   = oneshot.Client
	OneShotOptions  = oneshot.Options
	Message         = oneshot.Message
	PublishRequest  = oneshot.PublishRequest
	PublishResult   = oneshot.PublishResult
	PublishProperty = oneshot.PublishProperties

	ManagementClient = management.Client
	Cluster          = management.Cluster

	Server             = server.Server
	ServerDependencies = server.Dependencies
)

const (
	EventReady   = stream.EventReady
	EventMessage = stream.EventMessage
	EventError   = stream.EventError

	StateConnecting = stream.StateConnecting
	StateReady      = stream.StateReady
	StateConsuming  = stream.StateConsuming
	StateStopping   = stream.StateStopping
	StateClosed     = stream.StateClosed

	MemoryDatabase = profiles.MemoryPath
)

var (
	DefaultConfig       = configpkg.Default
	ConfigFromEnv       = configpkg.FromEnv
	ValidateConfig      = configpkg.ValidateConfig
	OpenProfileStore    = profiles.Open
	NewSessionManager   = stream.NewManager
	NewOneShotClient    = oneshot.New
	NewManagementClient = management.New
	NewServer           = server.New
	NewStreamMetrics    = metricspkg.NewStreamMetrics
	ParseCommand        = stream.ParseCommand

	NewNopLogger         = loggingpkg.NewNopLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewSessionID = idspkg.NewSessionID
	NewClientID  = idspkg.NewClientID
	NewMessageID = idspkg.NewMessageID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	IsTerminal = errspkg.IsTerminal

	ErrQueueNotFound        = errspkg.ErrQueueNotFound
	ErrAuthenticationFailed = errspkg.ErrAuthenticationFailed
	ErrConnectionRefused    = errspkg.ErrConnectionRefused
	ErrUnexpectedDisconnect = errspkg.ErrUnexpectedDisconnect
	ErrMessageProcessing    = errspkg.ErrMessageProcessing
	ErrSessionAlreadyActive = errspkg.ErrSessionAlreadyActive
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrInvalidCommand       = errspkg.ErrInvalidCommand
	ErrExchangeNotFound     = errspkg.ErrExchangeNotFound
	ErrProfileNotFound      = errspkg.ErrProfileNotFound
	ErrProfileNameTaken     = errspkg.ErrProfileNameTaken
	ErrInvalidProfile       = errspkg.ErrInvalidProfile
	ErrManagerClosed        = errspkg.ErrManagerClosed
)

// NewLogger returns a ServiceLogger writing to w in the given format ("json"
// or "text") at level.
func NewLogger(w io.Writer, format, level string) ServiceLogger {
	return loggingpkg.New(w, format, level)
}
