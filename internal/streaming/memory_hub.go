package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MemoryHub is the in-process Hub implementation.
type MemoryHub struct {
	mu        sync.RWMutex
	seq       uint64
	listeners map[Subscription]Listener
	bySource  map[Listener]Subscription

	gauge  prometheus.Gauge
	logger *slog.Logger
}

// Option configures a MemoryHub.
type Option func(*MemoryHub)

// WithListenerGauge reports the number of registered listeners to g.
func WithListenerGauge(g prometheus.Gauge) Option {
	return func(h *MemoryHub) { h.gauge = g }
}

// WithLogger sets the logger used when pruning failed listeners.
func WithLogger(l *slog.Logger) Option {
	return func(h *MemoryHub) { h.logger = l }
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...Option) *MemoryHub {
	h := &MemoryHub{
		listeners: make(map[Subscription]Listener),
		bySource:  make(map[Listener]Subscription),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds l to the hub. Registering the same listener again returns
// its existing subscription.
func (h *MemoryHub) Register(l Listener) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.bySource[l]; ok {
		return sub
	}
	h.seq++
	sub := Subscription(h.seq)
	h.listeners[sub] = l
	h.bySource[l] = sub
	h.updateGaugeLocked()
	return sub
}

// Unregister removes the listener behind sub. Unknown subscriptions are ignored.
func (h *MemoryHub) Unregister(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Broadcast delivers ev to every listener registered at the time of the call.
// Sends happen outside the lock. Listeners whose Send fails are removed before
// Broadcast returns.
func (h *MemoryHub) Broadcast(ctx context.Context, ev Event) {
	h.mu.RLock()
	snapshot := make(map[Subscription]Listener, len(h.listeners))
	for sub, l := range h.listeners {
		snapshot[sub] = l
	}
	h.mu.RUnlock()

	var failed []Subscription
	for sub, l := range snapshot {
		if err := l.Send(ctx, ev); err != nil {
			h.logger.DebugContext(ctx, "pruning push listener",
				slog.Uint64("subscription", uint64(sub)), slog.String("error", err.Error()))
			failed = append(failed, sub)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range failed {
		h.removeLocked(sub)
	}
	h.mu.Unlock()
}

// Len returns the number of registered listeners.
func (h *MemoryHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *MemoryHub) removeLocked(sub Subscription) {
	l, ok := h.listeners[sub]
	if !ok {
		return
	}
	delete(h.listeners, sub)
	delete(h.bySource, l)
	h.updateGaugeLocked()
}

func (h *MemoryHub) updateGaugeLocked() {
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.listeners)))
	}
}
