package outbox

import (
	"context"
	"time"

	"github.com/nhlam3011/alonha-sub002/internal/metrics"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"go.uber.org/zap"
)

// Store is the part of the repository the relay needs.
type Store interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Relay forwards committed ledger events to Kafka. Delivery is at least once:
// an event that was published but not marked is sent again next round.
type Relay struct {
	store    Store
	log      *zap.SugaredLogger
	interval time.Duration
	batch    int
}

func NewRelay(store Store, log *zap.SugaredLogger, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: store, log: log, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("outbox relay started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Errorf("poll outbox: %v", err)
			}
		}
	}
}

// Flush relays one batch and returns how many events were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			metrics.RecordOutboxPublish("failed")
			r.log.Warnw("publish failed", "outbox_id", evt.ID, "event_type", evt.EventType, "err", err)
			continue
		}
		metrics.RecordOutboxPublish("sent")
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}
