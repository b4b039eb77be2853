package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/notify-ws/internal/registry"
)

// DeliveryResult is the outcome of a Deliver call.
type DeliveryResult int

const (
	// Delivered: pushed onto a live local socket.
	Delivered DeliveryResult = iota
	// Queued: appended to the user's offline queue.
	Queued
	// Dropped: neither pushed nor queued (empty payload, or the queue
	// write itself failed).
	Dropped
)

func (r DeliveryResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// unreadCounter is the one store query the delivery hot path needs.
type unreadCounter interface {
	TotalUnread(ctx context.Context, userID string) (int64, error)
}

// Dispatcher is the single entry point for "deliver message M to user U".
// It resolves the user through the Registry, pushes on the local socket
// when this process owns it, and falls back to the offline queue.
type Dispatcher struct {
	self     string
	registry registryClient
	sessions *SessionManager
	counter  unreadCounter
	logger   zerolog.Logger
}

func NewDispatcher(self string, reg registryClient, sessions *SessionManager, counter unreadCounter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		self:     self,
		registry: reg,
		sessions: sessions,
		counter:  counter,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Deliver routes one notification to userID. At-least-once: a message is
// either on a live socket, in the offline queue, or reported Dropped —
// never silently lost between those states.
func (d *Dispatcher) Deliver(ctx context.Context, userID, message, event string) DeliveryResult {
	result := d.deliver(ctx, userID, message, event)
	deliveriesTotal.WithLabelValues(result.String()).Inc()
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, userID, message, event string) DeliveryResult {
	binding, bound, err := d.registry.LookupByUser(ctx, userID)
	if err != nil {
		// Registry unreachable past its retry budget. The queue write
		// below will almost certainly fail too, but it is the only
		// remaining path to not losing the message.
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Registry lookup failed")
		bound = false
	}

	if bound && binding.Server == d.self && d.sessions.isEstablished(binding.Handle) {
		payload := notificationFrame(event, message, d.unreadCount(ctx, userID), time.Now())
		if d.sessions.push(binding.Handle, payload) {
			return Delivered
		}

		// Local push failed: the socket is gone or too slow to count as
		// live. Clean our own registry entries; remote evictions belong
		// to the server owning them.
		if err := d.registry.UnbindByHandle(ctx, d.self, binding.Handle); err != nil {
			d.logger.Warn().
				Err(err).
				Str("user_id", userID).
				Int64("handle", binding.Handle).
				Msg("Failed to unbind dead local handle")
		}
	}

	if message == "" {
		// Empty payloads are not worth a queue slot.
		return Dropped
	}

	n := registry.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Event:     event,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := d.registry.EnqueueOffline(ctx, n); err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Offline enqueue failed, dropping notification")
		return Dropped
	}
	return Queued
}

// unreadCount computes the count field of notification frames. Best
// effort: a failed snapshot must not block delivery.
func (d *Dispatcher) unreadCount(ctx context.Context, userID string) int64 {
	if d.counter == nil {
		return 0
	}
	n, err := d.counter.TotalUnread(ctx, userID)
	if err != nil {
		d.logger.Debug().Err(err).Str("user_id", userID).Msg("Unread count unavailable")
		return 0
	}
	return n
}

// DrainOffline flushes the user's offline queue onto their (now live)
// socket in FIFO order. Called after a successful admission. Records that
// cannot be pushed are re-queued, preserving order relative to each other.
func (d *Dispatcher) DrainOffline(ctx context.Context, userID string) {
	notifications, err := d.registry.DrainOffline(ctx, userID)
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Offline drain failed")
		return
	}
	if len(notifications) == 0 {
		return
	}

	d.logger.Info().
		Str("user_id", userID).
		Int("count", len(notifications)).
		Msg("Draining offline queue")

	requeue := false
	for _, n := range notifications {
		if requeue {
			// A previous record failed to push; keep FIFO by queueing
			// the remainder instead of racing them onto the socket.
			if err := d.registry.EnqueueOffline(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("user_id", userID).Msg("Re-enqueue during drain failed")
			}
			continue
		}

		client, ok := d.sessions.lookupLocal(userID)
		if !ok {
			requeue = true
			if err := d.registry.EnqueueOffline(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("user_id", userID).Msg("Re-enqueue during drain failed")
			}
			continue
		}

		payload := notificationFrame(n.Event, n.Message, d.unreadCount(ctx, userID), time.UnixMilli(n.Timestamp))
		if !d.sessions.push(client.handle, payload) {
			requeue = true
			if err := d.registry.EnqueueOffline(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("user_id", userID).Msg("Re-enqueue during drain failed")
			}
			continue
		}
		offlineDrainedTotal.Inc()
	}
}
