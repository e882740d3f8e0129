package service

import (
	"context"
	"log/slog"
	"time"

	"placechat-backend/internal/model"
)

// Publisher delivers committed events to subscribers: the local Broker or
// the Redis bridge when several instances share the store.
type Publisher interface {
	PublishBatch(ctx context.Context, events []model.Event) error
}

// Drainer is the outbox side of the message store.
type Drainer interface {
	Drain(ctx context.Context, limit int, publish func([]model.Event) error) (int, error)
	Backlog(ctx context.Context) (int64, error)
}

// OutboxRelay moves outbox entries to the Publisher. It polls on an interval
// and is woken early by Wake after each commit.
type OutboxRelay struct {
	outbox   Drainer
	pub      Publisher
	interval time.Duration
	batch    int
	metrics  *Metrics
	wake     chan struct{}
}

func NewOutboxRelay(outbox Drainer, pub Publisher, interval time.Duration, batch int, metrics *Metrics) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		outbox:   outbox,
		pub:      pub,
		interval: interval,
		batch:    batch,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

// Wake schedules a drain without blocking.
func (r *OutboxRelay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DrainAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// DrainAll publishes full batches until the outbox is empty or an error occurs.
func (r *OutboxRelay) DrainAll(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.outbox.Drain(ctx, r.batch, func(events []model.Event) error {
			return r.pub.PublishBatch(ctx, events)
		})
		if err != nil {
			slog.Error("outbox: drain failed", "error", err)
			if r.metrics != nil {
				r.metrics.OutboxDrainError.Inc()
			}
			return
		}
		if r.metrics != nil {
			r.metrics.OutboxPublished.Add(float64(n))
		}
		if n < r.batch {
			break
		}
	}
	if r.metrics != nil {
		if backlog, err := r.outbox.Backlog(ctx); err == nil {
			r.metrics.OutboxBacklog.Set(float64(backlog))
		}
	}
}
