package enum

// ConnectionState tracks an Account Supervisor's IMAP connection lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStatePaused       ConnectionState = "paused"
	ConnectionStateError        ConnectionState = "error"
)

func (c ConnectionState) String() string {
	return string(c)
}

// TLSMode is how the Account Supervisor secures its IMAP transport.
type TLSMode string

const (
	TLSModeImplicit TLSMode = "implicit" // imaps, connect-time TLS
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeNone     TLSMode = "none"
)

func (t TLSMode) String() string {
	return string(t)
}

// AuthMode is the credential scheme an Account uses against its provider.
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeOAuth2   AuthMode = "oauth2"
)

func (a AuthMode) String() string {
	return string(a)
}

// WatchMode controls whether a Folder Watcher uses IMAP IDLE or falls back to
// polling.
type WatchMode string

const (
	WatchModeIdle WatchMode = "idle"
	WatchModePoll WatchMode = "poll"
)

func (w WatchMode) String() string {
	return string(w)
}

// ProviderHealthState is the LLM Client's view of an upstream provider's
// availability.
type ProviderHealthState string

const (
	ProviderHealthy     ProviderHealthState = "healthy"
	ProviderDegraded    ProviderHealthState = "degraded"
	ProviderUnavailable ProviderHealthState = "unavailable"
)

func (p ProviderHealthState) String() string {
	return string(p)
}

// RetryStatus is the lifecycle of a Dead-Letter Entry.
type RetryStatus string

const (
	RetryStatusPending  RetryStatus = "pending"
	RetryStatusRetrying RetryStatus = "retrying"
	RetryStatusSuccess  RetryStatus = "success"
	RetryStatusExhausted RetryStatus = "exhausted"
)

func (r RetryStatus) String() string {
	return string(r)
}

// WebhookEvent enumerates the event set the Webhook Dispatcher and the
// RabbitMQ fanout companion both emit.
type WebhookEvent string

const (
	EventStartup           WebhookEvent = "startup"
	EventShutdown          WebhookEvent = "shutdown"
	EventError             WebhookEvent = "error"
	EventActionTaken       WebhookEvent = "action_taken"
	EventConnectionLost    WebhookEvent = "connection_lost"
	EventConnectionRestored WebhookEvent = "connection_restored"
	EventRetryExhausted    WebhookEvent = "retry_exhausted"
)

func (w WebhookEvent) String() string {
	return string(w)
}
