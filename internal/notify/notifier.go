// Package notify delivers migration alerts to chat and webhook endpoints.
package notify

import (
	"context"

	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
)

// Field is one labelled detail attached to a message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is an operator-facing alert.
type Message struct {
	Title    string          `json:"title"`
	Text     string          `json:"text"`
	Severity health.Severity `json:"severity"`
	Phase    phase.Phase     `json:"phase"`
	Fields   []Field         `json:"fields,omitempty"`
}

// Notifier delivers messages to external systems.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

func severityKey(s health.Severity) string {
	if s == "" {
		return string(health.SeverityInfo)
	}
	return string(s)
}
