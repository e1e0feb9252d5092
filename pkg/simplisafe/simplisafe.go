// Package simplisafe provides a public facade re-exporting core types
// for external consumers of this module.
//
// A typical program logs in, discovers its systems and listens to the
// event stream:
//
//	sess, err := simplisafe.LoginViaCredentials(ctx, email, password, simplisafe.Options{})
//	systems, err := sess.GetSystems(ctx)
//	sess.Stream().OnEvent(func(ev simplisafe.Event) { ... })
//	err = sess.Stream().Connect(ctx)
package simplisafe

import (
	"context"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/entity"
	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/core/session"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Session is an authenticated account.
	Session = session.Session
	// Options configures a session.
	Options = session.Options
	// APIConfig holds the REST endpoint constants.
	APIConfig = config.APIConfig
	// StreamConfig holds the event stream settings.
	StreamConfig = config.StreamConfig
	// Credential is an access/refresh token pair with its expiry.
	Credential = api.Credential
	// Client performs authenticated REST requests.
	Client = api.Client
	// Request describes one REST call.
	Request = api.Request
	// System is one alarm system.
	System = system.System
	// SystemState is the alarm mode of a system.
	SystemState = system.State
	// Sensor is a sensor attached to a system.
	Sensor = system.Sensor
	// Lock is a door lock attached to a system.
	Lock = system.Lock
	// LockState is the position of a lock.
	LockState = system.LockState
	// Settings is a snapshot of v3 base station settings.
	Settings = system.Settings
	// Pins holds the PINs of a system.
	Pins = system.Pins
	// Level is a volume level.
	Level = system.Level
	// EntityType identifies a device kind.
	EntityType = entity.Type
	// Event is a typed activity record.
	Event = event.Event
	// EventType is a named event category.
	EventType = event.Type
	// StreamClient is the real-time event stream.
	StreamClient = stream.Client
	// StreamStatus is the connection status of the stream.
	StreamStatus = stream.Status
	// Dialer creates WebSocket connections.
	Dialer = transport.Dialer
	// Conn represents a WebSocket connection.
	Conn = transport.Conn
)

// Errors.
type (
	// RequestError is a failed REST call.
	RequestError = api.RequestError
	// WebsocketError is a failed stream connection.
	WebsocketError = stream.WebsocketError
	// PinError is a rejected PIN change.
	PinError = system.PinError
)

var (
	ErrInvalidCredentials = api.ErrInvalidCredentials
	ErrAlreadyConnected   = stream.ErrAlreadyConnected
	ErrNoEvents           = system.ErrNoEvents
	ErrUnsupported        = system.ErrUnsupported
)

// System state constants.
const (
	StateAlarm      = system.StateAlarm
	StateAlarmCount = system.StateAlarmCount
	StateAway       = system.StateAway
	StateAwayCount  = system.StateAwayCount
	StateEntryDelay = system.StateEntryDelay
	StateError      = system.StateError
	StateExitDelay  = system.StateExitDelay
	StateHome       = system.StateHome
	StateHomeCount  = system.StateHomeCount
	StateOff        = system.StateOff
	StateUnknown    = system.StateUnknown
)

// Lock state constants.
const (
	LockUnlocked = system.LockUnlocked
	LockLocked   = system.LockLocked
	LockJammed   = system.LockJammed
	LockUnknown  = system.LockUnknown
)

// Stream status constants.
const (
	Disconnected = stream.Disconnected
	Connecting   = stream.Connecting
	Connected    = stream.Connected
)

// FullUpdate refreshes a system's info, settings and entities.
var FullUpdate = system.FullUpdate

// DefaultOptions returns session options holding the stock endpoints.
func DefaultOptions() Options {
	def := config.Defaults()
	return Options{API: def.API, Stream: def.Stream}
}

// LoginViaCredentials authenticates with an email and password.
func LoginViaCredentials(ctx context.Context, email, password string, opts Options) (*Session, error) {
	return session.LoginViaCredentials(ctx, email, password, opts)
}

// LoginViaToken authenticates with a saved refresh token.
func LoginViaToken(ctx context.Context, refreshToken string, opts Options) (*Session, error) {
	return session.LoginViaToken(ctx, refreshToken, opts)
}
