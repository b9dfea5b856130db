package relayhub

// Operating modes.
const (
	ModeRelay         = "relay"
	ModeAuthoritative = "authoritative"
)

// DefaultRoom is the reserved room clients land in when the connection path
// carries no room segment. It is never destroyed.
const DefaultRoom = "lobby"

// Error codes carried by "error" envelopes. Errors are reported to the
// offending client only and never terminate the connection by themselves.
const (
	ErrCodeRoomFull       = "ROOM_FULL"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeNotJoined      = "NOT_JOINED"
)

// CloseRoomDestroyed is the WebSocket close code used when a room is
// forcibly reclaimed and its remaining connections are closed.
const CloseRoomDestroyed = 4000

// Field limits applied before broadcast.
const (
	MaxDisplayNameLen = 32
	MaxChatLen        = 500
)

// Standard error messages
const (
	ErrInvalidMessageFormat = "invalid message format"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
)
