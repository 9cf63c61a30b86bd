package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Slack allows ten fields per section block.
const slackMaxFields = 10

// SlackNotifier posts Block Kit messages to an incoming webhook.
type SlackNotifier struct {
	logger zerolog.Logger
	timing timingConfig
	poster *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{logger: logger, timing: defaultTiming}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, notifier.timing)
	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	if err := n.poster.wait(ctx, severityKey(msg.Severity)); err != nil {
		return err
	}
	payload, err := json.Marshal(buildSlackMessage(msg))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.poster.postWithRetry(ctx, payload); err != nil {
		return err
	}

	n.logger.Debug().
		Str("severity", string(msg.Severity)).
		Str("title", msg.Title).
		Msg("slack notification sent")
	return nil
}

func (n *SlackNotifier) postOnce(ctx context.Context, payload []byte) error {
	return n.poster.postOnce(ctx, payload)
}

func buildSlackMessage(msg Message) slack.WebhookMessage {
	summary := fmt.Sprintf("%s %s", severityIcon(msg.Severity), msg.Title)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, true, false)),
	}

	var fields []*slack.TextBlockObject
	for _, f := range msg.Fields {
		if len(fields) == slackMaxFields {
			break
		}
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s:*\n%s", f.Name, f.Value), false, false))
	}
	var text *slack.TextBlockObject
	if msg.Text != "" {
		text = slack.NewTextBlockObject("mrkdwn", msg.Text, false, false)
	}
	if text != nil || len(fields) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(text, fields, nil))
	}

	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Severity: *%s*", severityKey(msg.Severity)), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Phase: `%s`", msg.Phase), false, false),
	))

	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func severityIcon(s health.Severity) string {
	switch s {
	case health.SeverityCritical:
		return ":rotating_light:"
	case health.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
