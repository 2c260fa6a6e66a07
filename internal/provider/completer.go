package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"wagpt/internal/domain"
	"wagpt/internal/metrics"
)

// Canned replies used when the model cannot produce one.
const (
	EmptyReplyText   = "I couldn't generate a response."
	FailureReplyText = "Sorry, I am unable to process your request."
)

// chatClient is the subset of OpenAI used by Completer.
type chatClient interface {
	Chat(ctx context.Context, prompt string) (*ChatResult, error)
}

// Completer adapts a chat client to domain.Completer: it always yields
// sendable text and reports failures through the Completion instead of an
// error return.
type Completer struct {
	client chatClient
	logger *slog.Logger
}

func NewCompleter(client chatClient, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{client: client, logger: logger}
}

func (c *Completer) Complete(ctx context.Context, prompt string) domain.Completion {
	metrics.CompletionRequests.Inc()

	res, err := c.client.Chat(ctx, prompt)
	if errors.Is(err, ErrNoChoices) {
		metrics.CompletionFallbacks.Inc()
		c.logger.Warn("completion returned no choices")
		return domain.Completion{Text: EmptyReplyText, Fallback: true}
	}
	if err != nil {
		metrics.CompletionFallbacks.Inc()
		metrics.CompletionErrors.Inc()
		c.logger.Error("completion failed", "err", err)
		return domain.Completion{Text: FailureReplyText, Fallback: true, Err: err}
	}

	metrics.CompletionLatency.ObserveDuration(res.Latency)

	text := strings.TrimSpace(res.Content)
	if text == "" {
		metrics.CompletionFallbacks.Inc()
		return domain.Completion{Text: EmptyReplyText, Fallback: true}
	}
	return domain.Completion{Text: text}
}
