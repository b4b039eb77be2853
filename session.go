package main

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/notify-ws/internal/registry"
)

// Close codes of the socket protocol. These are an external contract;
// clients key their reconnect behavior off them.
const (
	closeCodeMissingUser  = 4000 // userId query param absent or non-numeric
	closeCodeIdleTimeout  = 4001 // no inbound frame within the idle window
	closeCodeUserNotFound = 4002 // user became invalid on an active socket
	closeCodeSuperseded   = 4003 // same user opened a newer connection
)

const (
	// Time allowed to write a frame to the peer before the connection is
	// considered dead.
	writeWait = 5 * time.Second

	// Outbound frame buffer per client. The writePump is the single
	// writer on the socket, so per-connection FIFO holds.
	sendBufferSize = 256
)

// registryClient is the slice of the Registry the session layer and the
// dispatcher depend on. Narrowed to an interface so tests can fake it.
type registryClient interface {
	Bind(ctx context.Context, userID, server string, handle int64) (*registry.Binding, error)
	LookupByUser(ctx context.Context, userID string) (registry.Binding, bool, error)
	LookupByHandle(ctx context.Context, server string, handle int64) (string, bool, error)
	Unbind(ctx context.Context, userID, server string, handle int64) error
	UnbindByHandle(ctx context.Context, server string, handle int64) error
	EnqueueOffline(ctx context.Context, n registry.Notification) error
	DrainOffline(ctx context.Context, userID string) ([]registry.Notification, error)
	OfflineLen(ctx context.Context, userID string) (int64, error)
}

// Client is one accepted socket. The handle is unique within this process
// for the life of the connection; it is only meaningful paired with the
// server identity.
type Client struct {
	handle int64
	userID string
	conn   net.Conn

	send chan []byte   // drained by writePump, the connection's single writer
	done chan struct{} // closed when teardown starts

	connectedAt time.Time
	established int32 // atomic: 1 once admission completed

	// Exactly one idle timer per live handle. Reset on every inbound
	// frame, fired at most once.
	timerMu   sync.Mutex
	idleTimer *time.Timer

	tearOnce sync.Once

	// Inbound frame limiter: 100 burst, 10/sec sustained.
	limiter *rate.Limiter
}

func newClient(handle int64, userID string, conn net.Conn) *Client {
	return &Client{
		handle:      handle,
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(10), 100),
	}
}

func (c *Client) markEstablished()    { atomic.StoreInt32(&c.established, 1) }
func (c *Client) isEstablished() bool { return atomic.LoadInt32(&c.established) == 1 }

// enqueue hands a frame to the writePump without blocking. A full buffer
// means the client cannot keep up; the caller decides the consequence.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) armIdleTimer(idle time.Duration, onFire func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.idleTimer = time.AfterFunc(idle, onFire)
}

func (c *Client) resetIdleTimer(idle time.Duration) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Reset(idle)
	}
}

func (c *Client) stopIdleTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// SessionManager owns every socket accepted by this process from admission
// to teardown, and keeps the Registry in lock-step with local reality.
type SessionManager struct {
	self          string // "hostname:port" — the server identity H pairs with
	registry      registryClient
	heartbeatIdle time.Duration
	logger        zerolog.Logger

	mu       sync.RWMutex
	byHandle map[int64]*Client
	byUser   map[string]*Client

	// Bindings whose registry cleanup failed at close time; the reaper
	// retries them until the registry confirms removal.
	cleanupMu    sync.Mutex
	cleanupQueue []staleBinding

	nextHandle int64
}

type staleBinding struct {
	userID string
	handle int64
}

func NewSessionManager(self string, reg registryClient, heartbeatIdle time.Duration, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		self:          self,
		registry:      reg,
		heartbeatIdle: heartbeatIdle,
		logger:        logger.With().Str("component", "sessions").Logger(),
		byHandle:      make(map[int64]*Client),
		byUser:        make(map[string]*Client),
	}
}

// allocateHandle hands out process-unique handles. Values may repeat after
// restart; admission clears stale Registry entries for reused handles.
func (sm *SessionManager) allocateHandle() int64 {
	return atomic.AddInt64(&sm.nextHandle, 1)
}

// admit runs the admission sequence for an upgraded socket:
// stale-handle cleanup, supersession of any prior connection for the same
// user, registry bind, heartbeat arming. On error the caller closes the
// socket; no partial registry entry remains because bind is one MULTI.
func (sm *SessionManager) admit(ctx context.Context, c *Client) error {
	// A previous process incarnation may have died owning this handle
	// number. The registry entry is stale by definition: we just
	// allocated the handle fresh.
	if staleUser, ok, err := sm.registry.LookupByHandle(ctx, sm.self, c.handle); err == nil && ok {
		sm.logger.Warn().
			Int64("handle", c.handle).
			Str("stale_user", staleUser).
			Msg("Clearing stale registry entry for reused handle")
		if err := sm.registry.UnbindByHandle(ctx, sm.self, c.handle); err != nil {
			sm.logger.Warn().Err(err).Int64("handle", c.handle).Msg("Stale handle cleanup failed")
		}
	} else if err != nil {
		return err
	}

	// The new client always wins: evict any live prior connection for
	// this user before publishing the new binding.
	if prior, ok, err := sm.registry.LookupByUser(ctx, c.userID); err != nil {
		return err
	} else if ok && prior.Server == sm.self {
		sm.mu.RLock()
		old := sm.byHandle[prior.Handle]
		sm.mu.RUnlock()
		if old != nil && old.isEstablished() {
			sm.logger.Info().
				Str("user_id", c.userID).
				Int64("old_handle", old.handle).
				Int64("new_handle", c.handle).
				Msg("Superseding existing connection")
			supersessionsTotal.Inc()
			sm.teardown(old, closeCodeSuperseded, "superseded by new connection")
		}
	}
	// A remote prior binding is evicted from the registry by the bind
	// MULTI below; the remote socket itself is reaped by its own server
	// (heartbeat or next failed push).

	if _, err := sm.registry.Bind(ctx, c.userID, sm.self, c.handle); err != nil {
		return err
	}

	sm.mu.Lock()
	sm.byHandle[c.handle] = c
	sm.byUser[c.userID] = c
	sm.mu.Unlock()

	c.armIdleTimer(sm.heartbeatIdle, func() {
		sm.logger.Info().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Dur("idle", sm.heartbeatIdle).
			Msg("Idle timeout, reaping connection")
		idleReapsTotal.Inc()
		sm.teardown(c, closeCodeIdleTimeout, "idle timeout")
	})

	c.markEstablished()
	return nil
}

// touch resets the idle timer; called on every inbound frame.
func (sm *SessionManager) touch(c *Client) {
	c.resetIdleTimer(sm.heartbeatIdle)
}

// push queues a frame for the client owning handle. Returns false when the
// handle is unknown here, torn down, or too slow to keep up — the caller
// treats all three as "not locally deliverable".
func (sm *SessionManager) push(handle int64, payload []byte) bool {
	sm.mu.RLock()
	c := sm.byHandle[handle]
	sm.mu.RUnlock()
	if c == nil {
		return false
	}
	if !c.enqueue(payload) {
		// Slow client: the buffer gives it sendBufferSize frames of
		// grace; past that it is indistinguishable from dead.
		sm.logger.Warn().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Msg("Send buffer full, disconnecting slow client")
		sm.teardown(c, int(ws.StatusPolicyViolation), "client too slow to process messages")
		return false
	}
	framesSent.Inc()
	return true
}

// isEstablished reports whether the handle is live and past admission.
func (sm *SessionManager) isEstablished(handle int64) bool {
	sm.mu.RLock()
	c := sm.byHandle[handle]
	sm.mu.RUnlock()
	return c != nil && c.isEstablished()
}

// lookupLocal returns the live client for a user, if connected here.
func (sm *SessionManager) lookupLocal(userID string) (*Client, bool) {
	sm.mu.RLock()
	c, ok := sm.byUser[userID]
	sm.mu.RUnlock()
	return c, ok
}

// evictUser force-closes the local session of a user whose identity was
// invalidated upstream (the authenticator owns that decision; the core
// only executes it).
func (sm *SessionManager) evictUser(userID string) {
	if c, ok := sm.lookupLocal(userID); ok {
		sm.teardown(c, closeCodeUserNotFound, "user not found")
	}
}

// count returns the number of live local sessions.
func (sm *SessionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byHandle)
}

// teardown closes the socket and reconciles the Registry. Safe to call
// any number of times from any goroutine; only the first call acts, so the
// close path is idempotent and a late duplicate cannot disturb a newer
// binding (compare-and-delete on the registry side).
func (sm *SessionManager) teardown(c *Client, code int, reason string) {
	c.tearOnce.Do(func() {
		c.stopIdleTimer()
		close(c.done)

		// Best-effort close frame so the client learns why.
		if c.conn != nil {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
			c.conn.Close()
		}

		sm.mu.Lock()
		if sm.byHandle[c.handle] == c {
			delete(sm.byHandle, c.handle)
		}
		if sm.byUser[c.userID] == c {
			delete(sm.byUser, c.userID)
		}
		sm.mu.Unlock()

		// Registry cleanup runs against a fresh context: the connection
		// context died with the socket, but the binding must not outlive
		// it (P2).
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sm.registry.UnbindByHandle(ctx, sm.self, c.handle); err != nil {
			sm.logger.Error().
				Err(err).
				Str("user_id", c.userID).
				Int64("handle", c.handle).
				Msg("Registry cleanup failed on close, queued for the reaper")
			sm.deferCleanup(c.userID, c.handle)
		}

		disconnectsTotal.WithLabelValues(closeCodeLabel(code)).Inc()
		sm.logger.Info().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Int("code", code).
			Str("reason", reason).
			Dur("connection_duration", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// closeAll force-closes every live session; used during shutdown.
func (sm *SessionManager) closeAll(code int, reason string) {
	sm.mu.RLock()
	clients := make([]*Client, 0, len(sm.byHandle))
	for _, c := range sm.byHandle {
		clients = append(clients, c)
	}
	sm.mu.RUnlock()

	for _, c := range clients {
		sm.teardown(c, code, reason)
	}
}

func (sm *SessionManager) deferCleanup(userID string, handle int64) {
	sm.cleanupMu.Lock()
	defer sm.cleanupMu.Unlock()
	sm.cleanupQueue = append(sm.cleanupQueue, staleBinding{userID: userID, handle: handle})
}

// retryCleanup is the background third writer on the registry: it retries
// unbinds that failed on the close path so a dead socket's entries cannot
// outlive it indefinitely. Compare-and-delete semantics make a retry that
// lost a race with a rebind a no-op.
func (sm *SessionManager) retryCleanup(ctx context.Context) {
	sm.cleanupMu.Lock()
	pending := sm.cleanupQueue
	sm.cleanupQueue = nil
	sm.cleanupMu.Unlock()

	if len(pending) == 0 {
		return
	}

	sm.logger.Info().Int("count", len(pending)).Msg("Reaper retrying stale registry cleanups")

	for _, b := range pending {
		if ctx.Err() != nil {
			// Put the remainder back for the next pass.
			sm.cleanupMu.Lock()
			sm.cleanupQueue = append(sm.cleanupQueue, b)
			sm.cleanupMu.Unlock()
			continue
		}
		if err := sm.registry.UnbindByHandle(ctx, sm.self, b.handle); err != nil {
			sm.logger.Warn().
				Err(err).
				Str("user_id", b.userID).
				Int64("handle", b.handle).
				Msg("Reaper cleanup still failing, will retry")
			sm.deferCleanup(b.userID, b.handle)
		}
	}
}

func closeCodeLabel(code int) string {
	switch code {
	case closeCodeMissingUser:
		return "missing_user"
	case closeCodeIdleTimeout:
		return "idle_timeout"
	case closeCodeUserNotFound:
		return "user_not_found"
	case closeCodeSuperseded:
		return "superseded"
	case int(ws.StatusPolicyViolation):
		return "slow_client"
	case int(ws.StatusGoingAway):
		return "server_shutdown"
	default:
		return "other"
	}
}
