package quota

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/aiox-platform/usagegate/internal/nats"
)

type fakeMsg struct {
	data     []byte
	acked    bool
	naked    bool
	nakDelay time.Duration
	termed   bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acked = true; return nil }
func (m *fakeMsg) Term() error  { m.termed = true; return nil }

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakDelay = d
	return nil
}

func reportMsg(t *testing.T, report inats.UsageReport) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(report)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func TestIngestor_AppliesReport(t *testing.T) {
	f := newFixture(t)
	ing := NewIngestor(f.svc, nil)

	msg := reportMsg(t, inats.UsageReport{Service: "vision_minutes", Amount: 12.5})
	ing.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	got, err := f.svc.GetUsage(context.Background(), "vision_minutes")
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.CurrentUsage)
}

func TestIngestor_TerminatesInvalidReports(t *testing.T) {
	f := newFixture(t)
	ing := NewIngestor(f.svc, nil)

	negative := reportMsg(t, inats.UsageReport{Service: "vision_minutes", Amount: -3})
	ing.handle(context.Background(), negative)
	assert.True(t, negative.termed)

	noService := reportMsg(t, inats.UsageReport{Amount: 1})
	ing.handle(context.Background(), noService)
	assert.True(t, noService.termed)

	garbage := &fakeMsg{data: []byte("{")}
	ing.handle(context.Background(), garbage)
	assert.True(t, garbage.termed)
}

func TestIngestor_NaksDroppedIncrement(t *testing.T) {
	f := newFixture(t)
	f.store.failIncrements.Store(-1)
	ing := NewIngestor(f.svc, nil)

	msg := reportMsg(t, inats.UsageReport{Service: "chat_calls", Amount: 1})
	ing.handle(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.Equal(t, inats.RedeliveryDelay, msg.nakDelay)
	assert.False(t, msg.acked)
}
