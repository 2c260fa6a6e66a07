package domain

import (
	"fmt"
	"time"
)

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// Disconnect status codes. Transports translate their native close reasons
// into these so the relay can classify them without knowing the network.
const (
	StatusConnectionLost     = 408
	StatusLoggedOut          = 401
	StatusTemporaryBan       = 402
	StatusForbidden          = 403
	StatusClientOutdated     = 405
	StatusCredentialsExpired = 413
	StatusConnectionClosed   = 428
	StatusConnectionReplaced = 440
	StatusBadSession         = 500
	StatusRestartRequired    = 515
)

// ConnectionEvent reports a change observed on the transport connection.
// A non-empty PairingCode may arrive with any State. RetryAfter is set when
// the remote side asked the client to stay away for a while.
type ConnectionEvent struct {
	State       ConnectionState
	PairingCode string
	StatusCode  int
	Reason      string
	RetryAfter  time.Duration
}

// Terminal reports whether the close cannot be recovered by reconnecting.
func (e ConnectionEvent) Terminal() bool {
	return e.State == StateClosed && e.StatusCode == StatusLoggedOut
}

func (e ConnectionEvent) String() string {
	if e.State != StateClosed {
		return string(e.State)
	}
	if e.Reason == "" {
		return fmt.Sprintf("closed (%d)", e.StatusCode)
	}
	return fmt.Sprintf("closed (%d): %s", e.StatusCode, e.Reason)
}
