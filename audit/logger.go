package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger writes structured audit records to slog and fans them out to the
// optional chain store, webhook and anomaly metrics. A nil *Logger is valid
// and discards everything.
type Logger struct {
	logger  *slog.Logger
	store   *Store
	webhook *Webhook
	metrics *Metrics
}

// Option configures a Logger.
type Option func(*Logger)

// WithStore persists every record in the hash-chained audit store.
func WithStore(s *Store) Option {
	return func(l *Logger) { l.store = s }
}

// WithWebhook forwards every record to an external HTTP endpoint.
func WithWebhook(w *Webhook) Option {
	return func(l *Logger) { l.webhook = w }
}

// WithMetrics feeds every record into the anomaly detector.
func WithMetrics(m *Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// NewLogger returns an audit Logger writing to logger.
func NewLogger(logger *slog.Logger, opts ...Option) *Logger {
	l := &Logger{logger: logger.With("component", "audit")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes one audit entry. impersonatorID is the real operator behind
// the action; it is empty only for actions taken outside impersonation.
func (l *Logger) Record(ctx context.Context, event Event, impersonatorID string, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	now := time.Now().UTC()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("impersonator_id", impersonatorID),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)

	fields := attrMap(attrs)
	if l.store != nil {
		if _, err := l.store.Append(event, impersonatorID, fields); err != nil {
			l.logger.Error("audit store append failed", "event", string(event), "error", err)
		}
	}
	if l.webhook != nil {
		l.webhook.Enqueue(WebhookEvent{
			Event:          string(event),
			ImpersonatorID: impersonatorID,
			Timestamp:      now.Format(time.RFC3339),
			Attrs:          fields,
		})
	}
	l.metrics.recordEvent(event)
}

func attrMap(attrs []slog.Attr) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.String()
	}
	return m
}
