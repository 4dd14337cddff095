// Package notify delivers transcription outcomes back to chat transports.
// Delivery is always best-effort: the queue consumer logs failures and
// never lets them change a message outcome.
package notify

import (
	"context"
	"log/slog"
)

// Notifier sends a text message to a transport-specific recipient id.
type Notifier interface {
	Send(ctx context.Context, recipient, text string) error
}

// LogNotifier is the fallback when no chat transport is configured; it
// records the notification instead of delivering it.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs the fallback notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Send(_ context.Context, recipient, text string) error {
	n.logger.Info("notification (no transport configured)", "recipient", recipient, "chars", len(text))
	return nil
}
