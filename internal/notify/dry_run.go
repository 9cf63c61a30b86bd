package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs messages without sending them.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery to inner and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, msg Message) error {
	event := n.logger.Info().
		Str("severity", string(msg.Severity)).
		Str("phase", msg.Phase.String()).
		Str("title", msg.Title).
		Str("text", msg.Text)
	for _, f := range msg.Fields {
		event = event.Str(f.Name, f.Value)
	}
	event.Msg("[DRY-RUN] Would notify")
	return nil
}
