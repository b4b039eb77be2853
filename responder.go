package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/adred-codev/notify-ws/internal/store"
)

// snapshotStore produces the notification-count snapshot.
type snapshotStore interface {
	CountUnread(ctx context.Context, userID string) (store.UnreadCounts, error)
}

// Responder emits the two opening frames on a fresh connection: the
// connection acknowledgement and the current notification-count snapshot.
type Responder struct {
	store  snapshotStore
	logger zerolog.Logger
}

func NewResponder(st snapshotStore, logger zerolog.Logger) *Responder {
	return &Responder{
		store:  st,
		logger: logger.With().Str("component", "responder").Logger(),
	}
}

// Greet sends the connection ack followed by the count snapshot. Any
// failure here is logged and swallowed: a missing snapshot is not a reason
// to drop a connection that just survived admission.
func (r *Responder) Greet(ctx context.Context, sessions *SessionManager, c *Client) {
	if !sessions.push(c.handle, connectionFrame(c.handle)) {
		r.logger.Warn().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Msg("Failed to push connection ack")
		return
	}

	r.PushCounts(ctx, sessions, c)
}

// PushCounts computes and pushes the notification-count snapshot; also
// serves get_notifications requests.
func (r *Responder) PushCounts(ctx context.Context, sessions *SessionManager, c *Client) {
	counts, err := r.store.CountUnread(ctx, c.userID)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("user_id", c.userID).
			Msg("Notification count snapshot failed, connection stays live")
		return
	}

	sessions.push(c.handle, notificationCountFrame(counts))
}
