package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/usagegate/internal/nats"
)

const ingestorConsumerName = "usage-ingestor"

// ConsumerProvider creates durable JetStream consumers.
type ConsumerProvider interface {
	EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error)
}

// Ingestor applies usage reports published on NATS via RecordUsage.
type Ingestor struct {
	svc       *Service
	consumers ConsumerProvider
	logger    *slog.Logger
}

// NewIngestor creates a new usage report Ingestor.
func NewIngestor(svc *Service, consumers ConsumerProvider) *Ingestor {
	return &Ingestor{
		svc:       svc,
		consumers: consumers,
		logger:    slog.Default().With("component", "quota.ingestor"),
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	consumer, err := i.consumers.EnsureConsumer(ctx, inats.StreamUsage, ingestorConsumerName, inats.SubjectUsageReport)
	if err != nil {
		return err
	}

	i.logger.Info("usage ingestor started", "consumer", ingestorConsumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.logger.Debug("fetching usage reports", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			i.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// ackable is the subset of jetstream.Msg the ingestor settles.
type ackable interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func (i *Ingestor) handle(ctx context.Context, msg ackable) {
	var report inats.UsageReport
	if err := json.Unmarshal(msg.Data(), &report); err != nil {
		i.logger.Error("unmarshaling usage report", "error", err)
		_ = msg.Term()
		return
	}

	result, err := i.svc.RecordUsage(ctx, report.Service, report.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidService) {
			i.logger.Warn("rejecting usage report", "service", report.Service, "amount", report.Amount, "error", err)
			_ = msg.Term()
			return
		}
		i.logger.Error("recording usage report", "service", report.Service, "error", err)
		_ = msg.NakWithDelay(inats.RedeliveryDelay)
		return
	}

	if result.Dropped {
		i.logger.Warn("usage report not persisted, redelivering", "service", report.Service)
		_ = msg.NakWithDelay(inats.RedeliveryDelay)
		return
	}

	_ = msg.Ack()
	i.logger.Debug("usage report applied",
		"service", report.Service,
		"amount", report.Amount,
		"usage", result.CurrentUsage,
		"status", result.Status,
	)
}
