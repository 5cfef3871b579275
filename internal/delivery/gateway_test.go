package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"course-concierge/internal/domain"
)

type fakeSender struct {
	to   string
	body string
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, to, body string) (string, error) {
	f.to = to
	f.body = body
	if f.err != nil {
		return "", f.err
	}
	return "SM123", nil
}

type fakeBackups struct {
	mu      sync.Mutex
	records []domain.InteractionRecord
	err     error
	block   chan struct{}
}

func (f *fakeBackups) SaveInteraction(ctx context.Context, rec domain.InteractionRecord) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func TestDeliverSendsAndBacksUp(t *testing.T) {
	sender := &fakeSender{}
	backups := &fakeBackups{}
	var outcomes []error
	g, err := NewGateway(sender, backups, WithBackupObserver(func(err error) { outcomes = append(outcomes, err) }))
	require.NoError(t, err)

	id, err := g.Deliver(context.Background(), "whatsapp:+34600000001", "hola", domain.DeliveryMeta{
		Source:    domain.SourceGeneration,
		ContextID: "thread_1",
		RunID:     "run_1",
		Status:    domain.RunCompleted,
		MessageID: "SMin",
		Inbound:   "buenas",
		ToolCalls: 2,
	})
	require.NoError(t, err)
	require.Equal(t, "SM123", id)
	require.Equal(t, "whatsapp:+34600000001", sender.to)
	require.Equal(t, "hola", sender.body)

	g.Wait()
	require.Len(t, backups.records, 1)
	rec := backups.records[0]
	require.Equal(t, "thread_1", rec.ContextID)
	require.Equal(t, "run_1", rec.RunID)
	require.Equal(t, "SM123", rec.DeliveryID)
	require.Equal(t, "buenas", rec.Inbound)
	require.Equal(t, "hola", rec.Reply)
	require.Equal(t, 2, rec.ToolCalls)
	require.False(t, rec.CreatedAt.IsZero())
	require.Equal(t, []error{nil}, outcomes)
}

func TestDeliverBackupFailureDoesNotFailTurn(t *testing.T) {
	backups := &fakeBackups{err: errors.New("throttled")}
	var outcomes []error
	g, err := NewGateway(&fakeSender{}, backups, WithBackupObserver(func(err error) { outcomes = append(outcomes, err) }))
	require.NoError(t, err)

	id, err := g.Deliver(context.Background(), "u1", "hola", domain.DeliveryMeta{Source: domain.SourceFallback})
	require.NoError(t, err)
	require.Equal(t, "SM123", id)
	g.Wait()
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0])
}

func TestDeliverDoesNotWaitForBackup(t *testing.T) {
	backups := &fakeBackups{block: make(chan struct{})}
	g, err := NewGateway(&fakeSender{}, backups)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = g.Deliver(context.Background(), "u1", "hola", domain.DeliveryMeta{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on backup")
	}
	close(backups.block)
	g.Wait()
	require.Len(t, backups.records, 1)
}

func TestDeliverBackupOutlivesRequestContext(t *testing.T) {
	backups := &fakeBackups{}
	g, err := NewGateway(&fakeSender{}, backups)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = g.Deliver(ctx, "u1", "hola", domain.DeliveryMeta{})
	require.NoError(t, err)
	cancel()
	g.Wait()
	require.Len(t, backups.records, 1)
}

func TestDeliverSendFailure(t *testing.T) {
	backups := &fakeBackups{}
	g, err := NewGateway(&fakeSender{err: errors.New("21211 invalid number")}, backups)
	require.NoError(t, err)

	_, err = g.Deliver(context.Background(), "u1", "hola", domain.DeliveryMeta{})
	require.Error(t, err)
	g.Wait()
	require.Empty(t, backups.records)
}

type cutShort struct{ sid string }

func (e cutShort) Error() string       { return "second chunk rejected" }
func (e cutShort) DeliveredID() string { return e.sid }

func TestDeliverPartialSendCountsAsDelivered(t *testing.T) {
	backups := &fakeBackups{}
	g, err := NewGateway(&fakeSender{err: cutShort{sid: "SM7"}}, backups)
	require.NoError(t, err)

	id, err := g.Deliver(context.Background(), "u1", "respuesta larga", domain.DeliveryMeta{RunID: "run_1"})
	require.NoError(t, err)
	require.Equal(t, "SM7", id)
	g.Wait()
	require.Len(t, backups.records, 1)
	require.Equal(t, "SM7", backups.records[0].DeliveryID)
}

func TestDeliverValidation(t *testing.T) {
	_, err := NewGateway(nil, nil)
	require.Error(t, err)

	g, err := NewGateway(&fakeSender{}, nil)
	require.NoError(t, err)
	_, err = g.Deliver(context.Background(), "", "hola", domain.DeliveryMeta{})
	require.Error(t, err)
	_, err = g.Deliver(context.Background(), "u1", " ", domain.DeliveryMeta{})
	require.Error(t, err)
	id, err := g.Deliver(context.Background(), "u1", "hola", domain.DeliveryMeta{})
	require.NoError(t, err)
	require.Equal(t, "SM123", id)
}
