package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 50ms).
//   - ListenerTimeout: per-listener timeout while flushing (default 5s).
//   - BaseContext: parent context passed to listener calls.
type Config struct {
	BufferSize      int
	MaxBatchEvents  int
	MaxBatchWait    time.Duration
	ListenerTimeout time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
}

const (
	defaultBufferSize      = 1024
	defaultMaxBatchEvents  = 256
	defaultMaxBatchWait    = 50 * time.Millisecond
	defaultListenerTimeout = 5 * time.Second
	dropLogInterval        = 5 * time.Second
)

// Hub batches events and fans them out to subscribed listeners. Emit never
// blocks; when the buffer is full events are dropped.
type Hub struct {
	cfg         Config
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine with the given initial listeners.
func NewHub(cfg Config, listeners ...Listener) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = defaultListenerTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("events"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		listeners:   make(map[uint64]Listener),
	}
	for _, l := range listeners {
		h.Subscribe(l)
	}
	go h.run()
	return h
}

// Subscribe registers l and returns a function that removes it again.
func (h *Hub) Subscribe(l Listener) (unsubscribe func()) {
	if h == nil || l == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = l
	h.mu.Unlock()
	return func() { h.remove(id) }
}

// Listeners reports how many listeners are subscribed.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Emit enqueues evt for the next batch.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains queued events, closes every listener and waits for the
// batching goroutine to exit.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(h.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			stopTimer(timer, &timerActive)
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			h.closeListeners()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)

	h.mu.RLock()
	ids := make([]uint64, 0, len(h.listeners))
	targets := make([]Listener, 0, len(h.listeners))
	for id, l := range h.listeners {
		ids = append(ids, id)
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	for i, l := range targets {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.ListenerTimeout)
		err := l.Consume(ctx, out)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrListenerClosed):
			h.remove(ids[i])
			h.logger.Debug("pruned closed listener")
		default:
			h.logger.Warn("listener consume failed", zap.Error(err))
		}
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

func (h *Hub) closeListeners() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[uint64]Listener)
	h.mu.Unlock()
	for _, l := range listeners {
		if err := l.Close(ctx); err != nil {
			h.logger.Warn("listener close failed", zap.Error(err))
		}
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
