package main

import (
	"context"
	"time"
)

// Task kinds accepted by the in-process queue. Socket handlers submit
// these instead of doing registry or store work on the read path.

// EnqueueSendNotification schedules a single delivery.
func (p *Pump) EnqueueSendNotification(userID, message, event string) bool {
	return p.pool.Submit(func(ctx context.Context) {
		p.dispatcher.Deliver(ctx, userID, message, event)
	})
}

// EnqueueMarkRead schedules a read-state transition in the store. No
// socket write happens; the client already knows it read the thing.
func (p *Pump) EnqueueMarkRead(userID, notificationID string) bool {
	return p.pool.Submit(func(ctx context.Context) {
		if err := p.store.MarkRead(ctx, userID, notificationID, time.Now()); err != nil {
			p.logger.Error().
				Err(err).
				Str("user_id", userID).
				Str("notification_id", notificationID).
				Msg("Mark-read task failed")
		}
	})
}

// EnqueueProcessPending schedules an out-of-cycle sweep of pending rows,
// the same body the 15 s poller runs.
func (p *Pump) EnqueueProcessPending() bool {
	return p.pool.Submit(func(ctx context.Context) {
		p.processPending(ctx)
	})
}

// EnqueueDrainOffline schedules an offline-queue flush for a user that
// just reconnected.
func (p *Pump) EnqueueDrainOffline(userID string) bool {
	return p.pool.Submit(func(ctx context.Context) {
		p.dispatcher.DrainOffline(ctx, userID)
	})
}
