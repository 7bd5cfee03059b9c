package nats

import "time"

const (
	// FetchTimeout bounds one batch fetch from a consumer.
	FetchTimeout = 2 * time.Second

	// RedeliveryDelay is how long a Nak'd usage report waits before JetStream
	// offers it again.
	RedeliveryDelay = 5 * time.Second

	// DuplicateWindow is how long JetStream remembers message IDs on the
	// usage stream.
	DuplicateWindow = 2 * time.Minute
)

// Stream names.
const (
	StreamUsage  = "USAGEGATE_USAGE"
	StreamEvents = "USAGEGATE_EVENTS"
)

// Subject constants.
const (
	SubjectUsageReport = "usagegate.usage.report"
	SubjectAlertEvent  = "usagegate.events.alert"
)

// UsageReport is published by downstream callers that record usage
// asynchronously instead of calling the HTTP API. A non-empty ID makes
// republishing the same report within DuplicateWindow a no-op.
type UsageReport struct {
	ID         string    `json:"id,omitempty"`
	Service    string    `json:"service"`
	Amount     float64   `json:"amount"`
	ReportedAt time.Time `json:"reported_at"`
}

// AlertEvent is published whenever a quota alert is dispatched.
type AlertEvent struct {
	AlertID      string    `json:"alert_id"`
	Service      string    `json:"service"`
	Type         string    `json:"type"` // warning, stopped
	CurrentUsage float64   `json:"current_usage"`
	Limit        float64   `json:"limit"`
	Percentage   string    `json:"percentage"`
	Delivered    bool      `json:"delivered"`
	Timestamp    time.Time `json:"timestamp"`
}
