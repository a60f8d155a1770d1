package audit

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertCancellationSpike fires when operators decline many gated writes
	// in a short window, which usually means a script is hammering the gate.
	AlertCancellationSpike AlertType = "cancellation_spike"
	// AlertExpirySpike fires when confirmations keep timing out unanswered.
	AlertExpirySpike AlertType = "expiry_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

type slidingWindow struct {
	alert     AlertType
	message   string
	hits      []time.Time
	window    time.Duration
	threshold int
}

// Metrics tracks sliding window counters for anomaly detection.
type Metrics struct {
	mu      sync.Mutex
	windows map[Event]*slidingWindow
	alertFn AlertFunc
}

const (
	defaultCancelWindow    = 5 * time.Minute
	defaultCancelThreshold = 20
	defaultExpiryWindow    = 15 * time.Minute
	defaultExpiryThreshold = 5
)

// NewMetrics returns a detector that calls alertFn on anomalies.
func NewMetrics(alertFn AlertFunc) *Metrics {
	return &Metrics{
		alertFn: alertFn,
		windows: map[Event]*slidingWindow{
			EventConfirmCancelled: {
				alert:     AlertCancellationSpike,
				message:   "confirmation cancellations exceed threshold",
				window:    defaultCancelWindow,
				threshold: defaultCancelThreshold,
			},
			EventConfirmExpired: {
				alert:     AlertExpirySpike,
				message:   "unanswered confirmations exceed threshold",
				window:    defaultExpiryWindow,
				threshold: defaultExpiryThreshold,
			},
		},
	}
}

// SetThreshold overrides the alert threshold for event.
func (m *Metrics) SetThreshold(event Event, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[event]; ok {
		w.threshold = threshold
	}
}

func (m *Metrics) recordEvent(event Event) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[event]
	if !ok {
		return
	}
	now := time.Now()
	w.hits = trimWindow(append(w.hits, now), now, w.window)
	if len(w.hits) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.hits = w.hits[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
