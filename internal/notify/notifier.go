// Package notify delivers engine and governance alerts to operator chat
// channels. Messages go to every registered sender and can be filtered by
// event so operators receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event names an alert type. They are also the values accepted in the
// notify.events config list.
type Event string

const (
	EventCommitted        Event = "attempt_committed"
	EventAborted          Event = "attempt_aborted"
	EventRejected         Event = "attempt_rejected"
	EventBreakerTripped   Event = "breaker_tripped"
	EventProposalExecuted Event = "proposal_executed"
	EventPaused           Event = "paused"
	EventUnpaused         Event = "unpaused"
)

// Severity colours a message on channels that support it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

// Field is one labelled value in a message.
type Field struct {
	Name  string
	Value string
}

// Message is a rendered alert.
type Message struct {
	Event    Event
	Severity Severity
	Title    string
	Body     string
	Fields   []Field
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans a message out to its senders. An empty event list allows
// every event.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders, forwarding only the listed
// events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[Event(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether msg.Event would be forwarded.
func (n *Notifier) Enabled(e Event) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[e]
}

// Notify sends msg to every sender if its event is allowed. A failing
// sender does not stop delivery to the rest; all failures are joined.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if !n.Enabled(msg.Event) {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(msg.Event)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// plain renders msg as text for channels without rich formatting.
func plain(msg Message) string {
	var b strings.Builder
	if msg.Body != "" {
		b.WriteString(msg.Body)
	}
	for _, f := range msg.Fields {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// LogSender writes messages to a logger. It stands in for chat channels in
// local runs.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender returns a sender logging at warn level.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify-log"))}
}

// Send logs msg.
func (l *LogSender) Send(ctx context.Context, msg Message) error {
	l.logger.WarnContext(ctx, msg.Title,
		slog.String("event", string(msg.Event)),
		slog.String("detail", plain(msg)),
	)
	return nil
}

// Name returns "log".
func (l *LogSender) Name() string { return "log" }
