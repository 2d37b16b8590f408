// Package relay fans provider-originated events out to live client streams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
)

// ErrClosed is returned when subscribing to a registry that has shut down.
var ErrClosed = errors.New("relay: registry closed")

// Registry holds, per channel, the set of open subscriber handles.
//
// Delivery is best-effort and at most once per live subscriber: nothing is
// queued for disconnected clients and write failures are never reported to
// the broadcaster. A handle whose write fails is removed and closed.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	channels map[domain.Channel]map[string]domain.Handle
	closed   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[domain.Channel]map[string]domain.Handle),
		logger:   logger,
	}
}

// Subscribe registers h under ch. Subscribing the same handle again is a no-op.
func (r *Registry) Subscribe(ch domain.Channel, h domain.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	members, ok := r.channels[ch]
	if !ok {
		members = make(map[string]domain.Handle)
		r.channels[ch] = members
	}
	if _, exists := members[h.ID()]; !exists {
		metrics.Subscribers.With(string(ch)).Inc()
	}
	members[h.ID()] = h
	r.logger.Debug("subscriber added", "channel", ch, "handle", h.ID(), "subscribers", len(members))
	return nil
}

// Unsubscribe removes h from ch. Unknown handles are ignored.
func (r *Registry) Unsubscribe(ch domain.Channel, h domain.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ch, h)
}

// removeLocked reports whether h was a member. Only the exact handle is
// removed so a newer handle reusing the id survives.
func (r *Registry) removeLocked(ch domain.Channel, h domain.Handle) bool {
	members, ok := r.channels[ch]
	if !ok {
		return false
	}
	existing, ok := members[h.ID()]
	if !ok || existing != h {
		return false
	}
	delete(members, h.ID())
	if len(members) == 0 {
		delete(r.channels, ch)
	}
	metrics.Subscribers.With(string(ch)).Dec()
	r.logger.Debug("subscriber removed", "channel", ch, "handle", h.ID())
	return true
}

// Broadcast writes evt to every handle subscribed to ch when the call starts
// and returns the number of recipients attempted.
func (r *Registry) Broadcast(ctx context.Context, ch domain.Channel, evt domain.Event) int {
	snapshot := r.snapshot(ch)
	metrics.BroadcastsTotal.With(string(ch)).Inc()

	for _, h := range snapshot {
		if err := r.deliver(ctx, h, evt); err != nil {
			r.drop(ch, h, err)
		}
	}

	r.logger.Debug("broadcast complete", "channel", ch, "recipients", len(snapshot))
	return len(snapshot)
}

func (r *Registry) snapshot(ch domain.Channel) []domain.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[ch]
	handles := make([]domain.Handle, 0, len(members))
	for _, h := range members {
		handles = append(handles, h)
	}
	return handles
}

func (r *Registry) deliver(ctx context.Context, h domain.Handle, evt domain.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handle panic: %v", p)
		}
	}()
	return h.Send(ctx, evt)
}

// drop treats a failed write as an implicit unsubscribe.
func (r *Registry) drop(ch domain.Channel, h domain.Handle, cause error) {
	r.mu.Lock()
	removed := r.removeLocked(ch, h)
	r.mu.Unlock()

	metrics.DeliveriesDropped.With(string(ch)).Inc()
	if removed {
		_ = h.Close()
	}
	r.logger.Debug("delivery failed, subscriber dropped", "channel", ch, "handle", h.ID(), "err", cause)
}

// Count returns the number of handles subscribed to ch.
func (r *Registry) Count(ch domain.Channel) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[ch])
}

// Stats returns the subscriber count of every known channel.
func (r *Registry) Stats() map[domain.Channel]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[domain.Channel]int, len(domain.KnownChannels))
	for _, ch := range domain.KnownChannels {
		stats[ch] = len(r.channels[ch])
	}
	return stats
}

// Close closes every remaining handle. Later subscriptions fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	channels := r.channels
	r.channels = make(map[domain.Channel]map[string]domain.Handle)
	r.mu.Unlock()

	n := 0
	for ch, members := range channels {
		for _, h := range members {
			_ = h.Close()
			metrics.Subscribers.With(string(ch)).Dec()
			n++
		}
	}
	r.logger.Info("relay registry closed", "handles", n)
}
