package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBuffer        = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	writeTimeout         = 5 * time.Second
)

// Recorder buffers events and writes them to a Sink from one background
// goroutine. Record never blocks; events are dropped when the buffer is full.
type Recorder struct {
	sink          Sink
	logger        *zap.Logger
	events        chan Event
	batchSize     int
	flushInterval time.Duration
	onDrop        func()

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

type RecorderOption func(*Recorder)

func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		r.events = make(chan Event, max(n, 1))
	}
}

func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		r.batchSize = max(n, 1)
	}
}

func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithDropHook is called for every event dropped on a full buffer.
func WithDropHook(fn func()) RecorderOption {
	return func(r *Recorder) {
		r.onDrop = fn
	}
}

func NewRecorder(sink Sink, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sink:          sink,
		logger:        logger,
		events:        make(chan Event, defaultBuffer),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues e, filling in its id and time when unset.
func (r *Recorder) Record(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Dropped returns how many events were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.sink.Write(ctx, batch); err != nil {
		r.logger.Warn("Failed to write audit events",
			zap.String("sink", r.sink.Name()),
			zap.Int("events", len(batch)),
			zap.Error(err))
	}
}

// Close stops accepting events and waits until buffered ones are written or
// ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
