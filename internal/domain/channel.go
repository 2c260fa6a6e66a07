package domain

import "context"

// Credentials is the opaque session material owned by a CredentialStore.
// The relay only hands it from Load to Transport.Open.
type Credentials any

// CredentialStore persists authentication material across restarts.
type CredentialStore interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Close() error
}

// Transport opens sessions against a messaging network (WhatsApp, Telegram).
// Open must return only once the session object is fully constructed; the
// connection itself completes asynchronously and is reported through h.
// Open must not call h itself: every event comes from the transport's own
// goroutines.
type Transport interface {
	Name() string
	Open(ctx context.Context, creds Credentials, h EventHandler) (Session, error)
}

// Session is one live connection. After Close (or after the remote side
// dropped it) Send returns an error.
type Session interface {
	Send(ctx context.Context, reply OutboundReply) error
	Close() error
}

// EventHandler receives transport events. Implementations must not block
// for long: transports call it from their own receive goroutine.
type EventHandler interface {
	OnCredentialsUpdate(creds Credentials)
	OnConnectionUpdate(evt ConnectionEvent)
	OnMessageBatch(batch []InboundMessage)
}

// PairingRenderer shows a pairing payload (QR content) to the operator.
type PairingRenderer interface {
	Render(code string) error
}
