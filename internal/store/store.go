// Package store is the persistence layer the delivery core depends on:
// pending notification rows, unread counts, and read/sent state
// transitions. Reads and writes go through separate pgx pools so a burst
// of snapshot queries cannot starve state transitions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PendingNotification is a notifications row in state 'pending' awaiting
// delivery by the poller feeder.
type PendingNotification struct {
	ID      string
	UserID  string
	Event   string
	Message string
}

// UnreadCounts is the per-user snapshot pushed on connect and on
// get_notifications requests.
type UnreadCounts struct {
	SystemNotifications   int64 `json:"system_notifications"`
	GeneralNotices        int64 `json:"general_notices"`
	PersonalNotifications int64 `json:"personal_notifications"`
	Announcements         int64 `json:"announcements"`
}

// Config holds connection settings for the two pools.
type Config struct {
	URL           string
	ReadPoolSize  int
	WritePoolSize int
}

// Store wraps the read and write pools.
type Store struct {
	read   *pgxpool.Pool
	write  *pgxpool.Pool
	logger zerolog.Logger
}

// New connects both pools and verifies them with a ping. Each pool is
// capped at its MaxConns; once a pool is exhausted, a query waits for a
// free connection until its context ends; exhaustion is not reported as
// an immediate error.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	read, err := connect(ctx, cfg.URL, cfg.ReadPoolSize)
	if err != nil {
		return nil, fmt.Errorf("connect read pool: %w", err)
	}

	write, err := connect(ctx, cfg.URL, cfg.WritePoolSize)
	if err != nil {
		read.Close()
		return nil, fmt.Errorf("connect write pool: %w", err)
	}

	return &Store{
		read:   read,
		write:  write,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

func connect(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Close releases both pools.
func (s *Store) Close() {
	s.read.Close()
	s.write.Close()
}

// Ping verifies database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.Ping(ctx)
}

// PendingNotifications returns all rows in state 'pending', oldest first.
// Read failures fall back from the read pool to the write pool once.
func (s *Store) PendingNotifications(ctx context.Context) ([]PendingNotification, error) {
	const q = `
		SELECT id, user_id, COALESCE(event, 'notification'), COALESCE(message, '')
		FROM notifications
		WHERE status = 'pending'
		ORDER BY created_at ASC`

	rows, err := s.read.Query(ctx, q)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Read pool query failed, falling back to write pool")
		rows, err = s.write.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query pending notifications: %w", err)
		}
	}
	defer rows.Close()

	var pending []PendingNotification
	for rows.Next() {
		var n PendingNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Event, &n.Message); err != nil {
			return nil, fmt.Errorf("scan pending notification: %w", err)
		}
		pending = append(pending, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending notifications: %w", err)
	}
	return pending, nil
}

// MarkSent transitions a notification row pending→sent. Delivery and
// offline enqueue both count as handled; a row left pending is retried by
// the next poll cycle.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	const q = `UPDATE notifications SET status = 'sent' WHERE id = $1 AND status = 'pending'`
	if _, err := s.write.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// MarkRead transitions read_status unread→read and stamps read_at.
func (s *Store) MarkRead(ctx context.Context, userID, notificationID string, readAt time.Time) error {
	const q = `
		UPDATE notifications
		SET read_status = 'read', read_at = $3
		WHERE id = $1 AND user_id = $2 AND read_status = 'unread'`
	if _, err := s.write.Exec(ctx, q, notificationID, userID, readAt); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// CountUnread builds the notification-count snapshot from three count
// queries plus the published announcement count.
func (s *Store) CountUnread(ctx context.Context, userID string) (UnreadCounts, error) {
	var counts UnreadCounts

	queries := []struct {
		dst *int64
		sql string
	}{
		{&counts.SystemNotifications, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND event = 'system' AND read_status = 'unread'`},
		{&counts.PersonalNotifications, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND event <> 'system' AND read_status = 'unread'`},
		{&counts.GeneralNotices, `SELECT COUNT(*) FROM notices WHERE user_id = $1 AND read_status = 'unread'`},
	}
	for _, q := range queries {
		if err := s.queryCount(ctx, q.sql, userID, q.dst); err != nil {
			return UnreadCounts{}, err
		}
	}

	// Announcements are global, not per-user.
	const announcementsQ = `SELECT COUNT(*) FROM announcements WHERE published = TRUE`
	row := s.read.QueryRow(ctx, announcementsQ)
	if err := row.Scan(&counts.Announcements); err != nil {
		row = s.write.QueryRow(ctx, announcementsQ)
		if err := row.Scan(&counts.Announcements); err != nil {
			return UnreadCounts{}, fmt.Errorf("count announcements: %w", err)
		}
	}

	return counts, nil
}

// TotalUnread returns the user's total unread notification count; this is
// the "count" field stamped on delivered notification frames.
func (s *Store) TotalUnread(ctx context.Context, userID string) (int64, error) {
	const q = `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_status = 'unread'`
	var n int64
	if err := s.queryCount(ctx, q, userID, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) queryCount(ctx context.Context, sql, userID string, dst *int64) error {
	row := s.read.QueryRow(ctx, sql, userID)
	if err := row.Scan(dst); err != nil {
		// One fallback to the write pool per spec'd read-failure policy.
		row = s.write.QueryRow(ctx, sql, userID)
		if err := row.Scan(dst); err != nil {
			return fmt.Errorf("count query: %w", err)
		}
	}
	return nil
}
