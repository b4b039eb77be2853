// Package registry owns the distributed user↔connection map and the
// per-user offline notification queues.
//
// All workers of all server instances share one Redis-compatible store, so
// the registry is the only inter-process state in the system. Entries come
// in pairs (forward user→handle, inverse handle→user) that are always
// mutated inside a MULTI so readers never observe half a binding.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout. The forward and inverse keys are an external contract shared
// with the PHP admin tooling and the publisher side; do not change them.
const (
	userFDPrefix     = "ws:user_fd:"          // <userID> → handle (string integer)
	fdUserPrefix     = "ws:fd_user_map:"      // <handle> → userID
	userServerPrefix = "ws:user_server:"      // <userID> → "host:port" owning the handle
	queuePrefix      = "ws:notification_queue:" // <userID> → list of JSON notification records

	// Channel is the pub/sub channel external publishers push
	// {"userId": ..., "message": ...} payloads on.
	Channel = "ws:notification_queue:"
)

const (
	offlineTTL = 7 * 24 * time.Hour

	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
)

// Binding is a live (server, handle) pair for a user.
type Binding struct {
	Server string
	Handle int64
}

// Notification is the record stored in offline queues and delivered over
// sockets. Field values are opaque to the registry.
type Notification struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"user_id"`
	Event     string `json:"event"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Registry is the authoritative map of live user↔handle associations.
// Safe for concurrent use; every method except Subscribe retries
// connection-level failures up to 3 times with 200 ms linear backoff before
// giving up.
type Registry struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// Options configures the underlying Redis client.
type Options struct {
	Host     string
	Port     int
	Password string
	Scheme   string // "redis" or "rediss"
	Cluster  bool
}

// NewClient builds a single-node or cluster client from Options.
// Cluster mode is selected explicitly (REDIS_CLUSTER) rather than sniffed,
// matching how the deployment manifests wire it.
func NewClient(opts Options) redis.UniversalClient {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	uopts := &redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: opts.Password,
	}
	if opts.Scheme == "rediss" {
		uopts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.Cluster {
		return redis.NewClusterClient(uopts.Cluster())
	}
	return redis.NewClient(uopts.Simple())
}

// New creates a Registry on top of an existing client. The client is shared
// with the pub/sub subscriber and is not closed by the registry.
func New(client redis.UniversalClient, logger zerolog.Logger) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &Registry{
		client: client,
		logger: logger.With().Str("component", "registry").Logger(),
	}, nil
}

// Bind atomically publishes the (server, handle) binding for user, evicting
// any prior binding in the same MULTI so a user never has two live entries.
// Returns the prior binding if one existed.
func (r *Registry) Bind(ctx context.Context, userID, server string, handle int64) (*Binding, error) {
	var prior *Binding

	// The forward key is WATCHed from before the prior-binding read until
	// EXEC, so a concurrent rebind aborts this MULTI and the retry re-reads.
	bind := func(tx *redis.Tx) error {
		old, ok, err := r.lookupByUser(ctx, userID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ok {
				// Evict the superseded pair before installing the new one.
				// Same MULTI: readers see either the old binding or the
				// new one, never a mix.
				pipe.Del(ctx, fdUserPrefix+strconv.FormatInt(old.Handle, 10))
			}
			pipe.Set(ctx, userFDPrefix+userID, strconv.FormatInt(handle, 10), 0)
			pipe.Set(ctx, userServerPrefix+userID, server, 0)
			pipe.Set(ctx, fdUserPrefix+strconv.FormatInt(handle, 10), userID, 0)
			return nil
		})
		if err != nil {
			return err
		}
		if ok {
			prior = &old
		}
		return nil
	}
	err := r.withRetry(ctx, "bind", func() error {
		return r.client.Watch(ctx, bind, userFDPrefix+userID)
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// LookupByUser resolves the live binding for a user, if any.
func (r *Registry) LookupByUser(ctx context.Context, userID string) (Binding, bool, error) {
	var (
		b  Binding
		ok bool
	)
	err := r.withRetry(ctx, "lookup_by_user", func() error {
		var err error
		b, ok, err = r.lookupByUser(ctx, userID)
		return err
	})
	return b, ok, err
}

func (r *Registry) lookupByUser(ctx context.Context, userID string) (Binding, bool, error) {
	pipe := r.client.Pipeline()
	fdCmd := pipe.Get(ctx, userFDPrefix+userID)
	srvCmd := pipe.Get(ctx, userServerPrefix+userID)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return Binding{}, false, err
	}

	raw, err := fdCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}

	handle, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Data-shape error: propagate immediately, retrying won't fix it.
		return Binding{}, false, &ShapeError{Key: userFDPrefix + userID, Err: err}
	}

	server, err := srvCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Binding{}, false, err
	}
	return Binding{Server: server, Handle: handle}, true, nil
}

// LookupByHandle resolves the user owning (server, handle), if any.
func (r *Registry) LookupByHandle(ctx context.Context, server string, handle int64) (string, bool, error) {
	var userID string
	var ok bool
	err := r.withRetry(ctx, "lookup_by_handle", func() error {
		raw, err := r.client.Get(ctx, fdUserPrefix+strconv.FormatInt(handle, 10)).Result()
		if errors.Is(err, redis.Nil) {
			userID, ok = "", false
			return nil
		}
		if err != nil {
			return err
		}
		userID, ok = raw, true
		return nil
	})
	return userID, ok, err
}

// Unbind removes both entries only if the forward entry still matches
// (server, handle). A late close for a superseded handle therefore cannot
// erase the newer binding.
func (r *Registry) Unbind(ctx context.Context, userID, server string, handle int64) error {
	return r.withRetry(ctx, "unbind", func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, userFDPrefix+userID).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			current, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return &ShapeError{Key: userFDPrefix + userID, Err: err}
			}
			srv, err := tx.Get(ctx, userServerPrefix+userID).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != handle || (srv != "" && srv != server) {
				// Binding moved on; the close we are processing is stale.
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, userFDPrefix+userID)
				pipe.Del(ctx, userServerPrefix+userID)
				pipe.Del(ctx, fdUserPrefix+strconv.FormatInt(handle, 10))
				return nil
			})
			return err
		}, userFDPrefix+userID)
	})
}

// UnbindByHandle removes the inverse entry for (server, handle) and the
// forward entry only if it still points at this pair.
func (r *Registry) UnbindByHandle(ctx context.Context, server string, handle int64) error {
	key := fdUserPrefix + strconv.FormatInt(handle, 10)
	return r.withRetry(ctx, "unbind_by_handle", func() error {
		userID, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		// Forward removal is conditional: the user may have rebound on
		// another handle between our GET and now. When the forward entry
		// still matches, both sides go in one MULTI.
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, userFDPrefix+userID).Result()
			if errors.Is(err, redis.Nil) {
				return tx.Del(ctx, key).Err()
			}
			if err != nil {
				return err
			}
			current, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return &ShapeError{Key: userFDPrefix + userID, Err: err}
			}
			srv, err := tx.Get(ctx, userServerPrefix+userID).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != handle || (srv != "" && srv != server) {
				return tx.Del(ctx, key).Err()
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.Del(ctx, userFDPrefix+userID)
				pipe.Del(ctx, userServerPrefix+userID)
				return nil
			})
			return err
		}, userFDPrefix+userID)
	})
}

// EnqueueOffline appends a notification to the user's offline queue and
// refreshes the queue TTL to 7 days.
func (r *Registry) EnqueueOffline(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return &ShapeError{Key: queuePrefix + n.UserID, Err: err}
	}
	key := queuePrefix + n.UserID
	return r.withRetry(ctx, "enqueue_offline", func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, payload)
			pipe.Expire(ctx, key, offlineTTL)
			return nil
		})
		return err
	})
}

// DrainOffline reads and deletes the user's offline queue in one MULTI and
// returns the records oldest-first. Poison entries are logged and skipped
// rather than wedging the drain.
func (r *Registry) DrainOffline(ctx context.Context, userID string) ([]Notification, error) {
	key := queuePrefix + userID

	var payloads []string
	err := r.withRetry(ctx, "drain_offline", func() error {
		var rangeCmd *redis.StringSliceCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			rangeCmd = pipe.LRange(ctx, key, 0, -1)
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		payloads = rangeCmd.Val()
		return nil
	})
	if err != nil {
		return nil, err
	}

	notifications := make([]Notification, 0, len(payloads))
	for _, payload := range payloads {
		var n Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			r.logger.Warn().
				Str("user_id", userID).
				Err(err).
				Msg("Dropping malformed record from offline queue")
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// OfflineLen returns the current length of the user's offline queue.
func (r *Registry) OfflineLen(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.withRetry(ctx, "offline_len", func() error {
		var err error
		n, err = r.client.LLen(ctx, queuePrefix+userID).Result()
		return err
	})
	return n, err
}

// Subscribe opens a pub/sub subscription on the shared notification
// channel. The caller owns the returned subscription.
func (r *Registry) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, Channel)
}

// Publish pushes a broker payload on the shared channel. Nothing in this
// module calls it; the delivery path consumes the channel as a subscriber.
func (r *Registry) Publish(ctx context.Context, payload []byte) error {
	return r.withRetry(ctx, "publish", func() error {
		return r.client.Publish(ctx, Channel, payload).Err()
	})
}

// ShapeError marks data-shape failures (bad integer, bad JSON) that must
// propagate immediately instead of being retried.
type ShapeError struct {
	Key string
	Err error
}

func (e *ShapeError) Error() string { return fmt.Sprintf("registry: malformed value at %s: %v", e.Key, e.Err) }
func (e *ShapeError) Unwrap() error { return e.Err }

// withRetry runs op up to maxAttempts times with linear backoff, retrying
// only connection-level failures.
func (r *Registry) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}

		r.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Err(err).
			Msg("Registry operation failed, retrying")
		registryRetries.Inc()

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("registry %s failed after %d attempts: %w", op, maxAttempts, err)
}

// isRetryable reports whether err looks like a connection-level fault.
// Shape errors, context cancellation, and redis.Nil never retry.
func isRetryable(err error) bool {
	var shapeErr *ShapeError
	switch {
	case errors.Is(err, redis.Nil):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &shapeErr):
		return false
	case errors.Is(err, redis.TxFailedErr):
		// Optimistic-lock conflict: another writer won; retry observes the
		// new state and re-decides.
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
