package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher writes usage reports and alert events to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishUsageReport queues a report for the usage ingestor. Reports that
// carry an ID are deduplicated by the stream.
func (p *Publisher) PublishUsageReport(ctx context.Context, report UsageReport) error {
	return p.publish(ctx, SubjectUsageReport, report.ID, report)
}

// PublishAlertEvent announces a dispatched quota alert, keyed by its alert ID.
func (p *Publisher) PublishAlertEvent(ctx context.Context, event AlertEvent) error {
	return p.publish(ctx, SubjectAlertEvent, event.AlertID, event)
}

func (p *Publisher) publish(ctx context.Context, subject, msgID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", subject, err)
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := p.js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	if ack.Duplicate {
		slog.Debug("nats: duplicate message ignored by stream", "subject", subject, "msg_id", msgID)
	}
	return nil
}
