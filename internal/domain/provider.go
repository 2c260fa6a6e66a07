package domain

import "context"

// Completer turns a prompt into reply text. It never fails: errors are
// reported inside the Completion together with a fallback text.
type Completer interface {
	Complete(ctx context.Context, prompt string) Completion
}

// Completion is the typed result of a completion call. Text is always
// sendable. Fallback is true when Text is a canned reply rather than model
// output; Err carries the cause when the call itself failed.
type Completion struct {
	Text     string
	Fallback bool
	Err      error
}

// Deduper reports whether a message ID was already handled, recording it
// when it was not.
type Deduper interface {
	Seen(ctx context.Context, id string) bool
}
