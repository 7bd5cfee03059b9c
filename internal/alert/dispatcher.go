package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/usagegate/internal/metrics"
	inats "github.com/aiox-platform/usagegate/internal/nats"
)

// EventPublisher fans dispatched alerts out to other services.
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, event inats.AlertEvent) error
}

// Dispatcher delivers quota alerts: it POSTs to the webhook, keeps an alert
// log and publishes an event. Every step is best effort.
type Dispatcher struct {
	repo       Repository
	events     EventPublisher
	webhookURL string
	client     *http.Client
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWebhook sets the webhook URL and the timeout applied to each webhook,
// persistence and publish call. An empty URL disables delivery.
func WithWebhook(url string, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.webhookURL = url
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithEvents publishes every alert through p.
func WithEvents(p EventPublisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// NewDispatcher creates a Dispatcher that logs alerts to repo.
func NewDispatcher(repo Repository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:    repo,
		client:  &http.Client{},
		timeout: 3 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send dispatches one alert. The returned error reports a failed webhook
// delivery; persistence and event failures are only logged.
func (d *Dispatcher) Send(ctx context.Context, service string, typ Type, currentUsage, limit float64) error {
	a := &Alert{
		ID:           uuid.New(),
		Service:      service,
		Type:         typ,
		CurrentUsage: currentUsage,
		Limit:        limit,
		Percentage:   Percentage(currentUsage, limit),
		CreatedAt:    d.now().UTC(),
	}

	deliverErr := d.deliver(ctx, a)
	a.Delivered = deliverErr == nil && d.webhookURL != ""

	result := "delivered"
	switch {
	case deliverErr != nil:
		result = "failed"
	case d.webhookURL == "":
		result = "skipped"
	}
	metrics.AlertsTotal.WithLabelValues(string(typ), result).Inc()

	if d.repo != nil {
		if err := d.bounded(ctx, func(ctx context.Context) error { return d.repo.Insert(ctx, a) }); err != nil {
			slog.Error("alert: persisting alert", "error", err, "service", service, "type", typ)
		}
	}

	if d.events != nil {
		event := inats.AlertEvent{
			AlertID:      a.ID.String(),
			Service:      a.Service,
			Type:         string(a.Type),
			CurrentUsage: a.CurrentUsage,
			Limit:        a.Limit,
			Percentage:   a.Percentage,
			Delivered:    a.Delivered,
			Timestamp:    a.CreatedAt,
		}
		publish := func(ctx context.Context) error { return d.events.PublishAlertEvent(ctx, event) }
		if err := d.bounded(ctx, publish); err != nil {
			slog.Warn("alert: publishing alert event", "error", err, "service", service)
		}
	}

	slog.Info("alert: dispatched",
		"service", service,
		"type", typ,
		"usage", currentUsage,
		"limit", limit,
		"percentage", a.Percentage,
		"result", result,
	)
	return deliverErr
}

// bounded runs fn with the dispatcher's per-call timeout.
func (d *Dispatcher) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return fn(ctx)
}

// List returns the most recent alerts, newest first.
func (d *Dispatcher) List(ctx context.Context, params ListParams) ([]Alert, error) {
	if d.repo == nil {
		return []Alert{}, nil
	}
	return d.repo.List(ctx, params)
}

func (d *Dispatcher) deliver(ctx context.Context, a *Alert) error {
	if d.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(Payload{
		Service:      a.Service,
		Type:         a.Type,
		CurrentUsage: a.CurrentUsage,
		Limit:        a.Limit,
		Percentage:   a.Percentage,
		Timestamp:    a.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
