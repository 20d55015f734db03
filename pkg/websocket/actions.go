package websocket

// Message types produced by the server.
const (
	TypeInit               = "init"
	TypeConnected          = "connected"
	TypeSessions           = "sessions"
	TypeEvent              = "event"
	TypeHistory            = "history"
	TypeTokens             = "tokens"
	TypePermissionPrompt   = "permission_prompt"
	TypePermissionResolved = "permission_resolved"
	TypeTextTiles          = "text_tiles"
	TypeVoiceError         = "voice_error"
	TypePong               = "pong"
	TypeError              = "error"
)

// Message types consumed from clients.
const (
	TypeSubscribe          = "subscribe"
	TypePing               = "ping"
	TypeGetHistory         = "get_history"
	TypePermissionResponse = "permission_response"
	TypeVoiceStart         = "voice_start"
	TypeVoiceStop          = "voice_stop"
	TypeVoiceAudio         = "voice_audio"
)

// VoicePrefix groups the voice_* client messages.
const VoicePrefix = "voice_"
