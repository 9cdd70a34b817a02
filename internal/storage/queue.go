package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

var (
	// ErrQueueFull is returned when the write queue has no free slot
	ErrQueueFull = errors.New("storage queue full")
	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("storage queue closed")
)

// ResultFunc receives the outcome of every asynchronous store
type ResultFunc func(req *transmission.FlushRequest, err error)

// Queue stores requests on a single background worker in submission order.
// Store never blocks the caller.
type Queue struct {
	sink     Sink
	jobs     chan *transmission.FlushRequest
	onResult ResultFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker. onResult may be nil.
func NewQueue(sink Sink, size int, onResult ResultFunc, logger *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:     sink,
		jobs:     make(chan *transmission.FlushRequest, size),
		onResult: onResult,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go q.worker()

	return q
}

// Store enqueues req. The returned error only reports whether it was accepted;
// the write outcome goes to the ResultFunc.
func (q *Queue) Store(_ context.Context, req *transmission.FlushRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of requests waiting to be written
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting requests and waits for queued ones to be written.
// If ctx expires first, in-flight writes are cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer close(q.done)
	defer q.cancel()

	for req := range q.jobs {
		err := q.sink.Store(q.ctx, req)
		if q.onResult != nil {
			q.onResult(req, err)
		} else if err != nil {
			q.logger.Error("Queued store failed",
				slog.String("transmission_id", req.ID),
				slog.String("error", err.Error()))
		}
	}
}
