// Package memqueue is the in-process task queue broker: a buffered channel
// with at-least-once redelivery on nack. It backs single-node deployments
// and the executor's unit tests; the TaskQueue port keeps the door open for
// an external broker without touching the services.
package memqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

type Queue struct {
	logger *slog.Logger
	ch     chan domain.JobID

	once sync.Once
	done chan struct{}
}

var _ ports.TaskQueue = (*Queue)(nil)

func New(logger *slog.Logger, size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		logger: logger,
		ch:     make(chan domain.JobID, size),
		done:   make(chan struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, id domain.JobID) error {
	select {
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- id:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (q *Queue) Dequeue(ctx context.Context) (ports.Delivery, error) {
	select {
	case <-q.done:
		return ports.Delivery{}, context.Canceled
	case <-ctx.Done():
		return ports.Delivery{}, ctx.Err()
	case id := <-q.ch:
		return ports.Delivery{
			JobID: id,
			Ack:   func() {},
			Nack: func() {
				select {
				case q.ch <- id:
				default:
					q.logger.Warn("queue full on nack, dropping redelivery", "job_id", id)
				}
			},
		}, nil
	}
}

func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
