package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
)

// WebSocket connection limits
const (
	// MaxMessageSize is the largest inbound frame accepted from a client.
	// save_layout payloads carry a whole page, hence the headroom.
	MaxMessageSize = BufferSize64KB
	// SendQueueSize is the number of outbound messages buffered per client
	SendQueueSize = 256
	// ExecQueueSize is the number of exec requests buffered per client
	ExecQueueSize = 32
)

// Timeouts for various operations
const (
	// WriteWait is the time allowed to write a message to the peer
	WriteWait = 10 * time.Second
	// PongWait is the time allowed to read the next pong message from the peer
	PongWait = 60 * time.Second
	// PingPeriod must be less than PongWait
	PingPeriod = (PongWait * 9) / 10
	// CollaboratorTimeout bounds a single call into Spotify, telemetry or the OS
	CollaboratorTimeout = 5 * time.Second
	// ShutdownTimeout bounds HTTP server shutdown
	ShutdownTimeout = 5 * time.Second
	// DefaultBroadcastInterval is the broadcast tick period
	DefaultBroadcastInterval = 1 * time.Second
	// WatchDebounce coalesces bursts of filesystem events for one profile
	WatchDebounce = 150 * time.Millisecond
)

// Macro limits
const (
	// MaxMacroSteps caps the number of steps accepted in one macro
	MaxMacroSteps = 64
	// MaxMacroSleep caps a single sleep step
	MaxMacroSleep = 10 * time.Second
)
