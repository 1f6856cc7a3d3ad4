package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhlam3011/alonha-sub002/internal/metrics"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []model.OutboxEvent
	failIDs   map[uint64]bool
	published []uint64
	marked    []uint64
	pollErr   error
}

func (f *fakeStore) PollOutbox(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	var out []model.OutboxEvent
	for _, e := range f.pending {
		if !e.Processed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) PublishEvent(_ context.Context, evt model.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[evt.ID] {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, evt.ID)
	return nil
}

func (f *fakeStore) MarkOutboxProcessed(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending[i].Processed = true
		}
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeStore) processed(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.pending {
		if e.ID == id {
			return e.Processed
		}
	}
	return false
}

func TestFlush_PublishesAndMarks(t *testing.T) {
	store := &fakeStore{
		pending: []model.OutboxEvent{
			{ID: 1, EventType: model.EventWalletDeposited},
			{ID: 2, EventType: model.EventPackagePurchased},
			{ID: 3, EventType: model.EventWalletDeposited},
		},
		failIDs: map[uint64]bool{2: true},
	}
	relay := NewRelay(store, zap.NewNop().Sugar(), time.Second, 10)

	failedBefore := testutil.ToFloat64(metrics.OutboxPublishedTotal.WithLabelValues("failed"))
	sent, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []uint64{1, 3}, store.marked)
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.OutboxPublishedTotal.WithLabelValues("failed")))

	// the failed event is retried on the next round
	delete(store.failIDs, 2)
	sent, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []uint64{1, 3, 2}, store.marked)
}

func TestFlush_PollError(t *testing.T) {
	store := &fakeStore{pollErr: errors.New("db down")}
	_, err := NewRelay(store, zap.NewNop().Sugar(), 0, 0).Flush(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := &fakeStore{pending: []model.OutboxEvent{{ID: 1}}}
	relay := NewRelay(store, zap.NewNop().Sugar(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.processed(1) }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
