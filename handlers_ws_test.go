package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/notify-ws/internal/store"
)

// newTestServer wires the components with fakes; no listener, no Redis, no
// database.
func newTestServer(t *testing.T) (*Server, *fakeRegistry, *fakeStore) {
	t.Helper()

	reg := newFakeRegistry()
	st := &fakeStore{
		counts: store.UnreadCounts{PersonalNotifications: 2},
		unread: 2,
	}

	sm := testSessions(reg, time.Minute)
	d := testDispatcher(reg, sm, st)
	pool := NewWorkerPool(2, 32, zerolog.Nop())
	pump := NewPump(nil, d, st, pool, 15*time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)

	s := &Server{
		config: &Config{
			MaxConnections:         16,
			HeartbeatIdle:          time.Minute,
			HeartbeatCheckInterval: time.Minute,
		},
		logger:         zerolog.Nop(),
		sessions:       sm,
		dispatcher:     d,
		responder:      NewResponder(st, zerolog.Nop()),
		pump:           pump,
		workerPool:     pool,
		connectionsSem: make(chan struct{}, 16),
		ctx:            ctx,
		cancel:         cancel,
		stats:          &Stats{StartTime: time.Now()},
	}
	return s, reg, st
}

func TestPingGetsImmediatePong(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c, []byte(`{"action":"ping"}`)))

	require.Len(t, c.send, 1)
	frame := decodeFrame(t, <-c.send)
	assert.Equal(t, "pong", frame["type"])
	assert.NotZero(t, frame["timestamp"])
}

func TestPongIsNoop(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c, []byte(`{"action":"pong"}`)))
	assert.Empty(t, c.send)
	assert.True(t, s.sessions.isEstablished(c.handle))
}

func TestMalformedFrameTerminates(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	assert.False(t, s.handleClientFrame(c, []byte(`{"action":`)))

	select {
	case <-c.done:
	default:
		t.Fatal("connection must be torn down on a protocol violation")
	}
}

func TestGetNotificationsPushesSnapshot(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c, []byte(`{"action":"get_notifications"}`)))

	require.Eventually(t, func() bool {
		return len(c.send) == 1
	}, time.Second, 5*time.Millisecond)

	frame := decodeFrame(t, <-c.send)
	assert.Equal(t, "notification_count", frame["type"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, float64(2), data["personal_notifications"])
}

func TestSendNotificationEnqueuesTask(t *testing.T) {
	s, reg, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c,
		[]byte(`{"action":"send_notification","user_id":"55","message":"hey","event":"social"}`)))

	require.Eventually(t, func() bool {
		return len(reg.offlineQueue("55")) == 1
	}, time.Second, 5*time.Millisecond)

	queue := reg.offlineQueue("55")
	assert.Equal(t, "hey", queue[0].Message)
	assert.Equal(t, "social", queue[0].Event)
}

func TestMarkReadEnqueuesTask(t *testing.T) {
	s, _, st := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c,
		[]byte(`{"action":"mark_read","notification_id":"n7"}`)))

	require.Eventually(t, func() bool {
		return len(st.readPairs()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, [2]string{"42", "n7"}, st.readPairs()[0])
}

func TestMarkReadWithoutIDIsIgnored(t *testing.T) {
	s, _, st := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c, []byte(`{"action":"mark_read"}`)))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, st.readPairs())
}

func TestUnknownActionIsLoggedNotFatal(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	require.True(t, s.handleClientFrame(c, []byte(`{"action":"dance"}`)))
	assert.Empty(t, c.send)
	assert.True(t, s.sessions.isEstablished(c.handle))
}

func TestGreetSendsAckThenCounts(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := connectedClient(t, s.sessions, "42")

	s.responder.Greet(context.Background(), s.sessions, c)

	require.Len(t, c.send, 2)
	first := decodeFrame(t, <-c.send)
	assert.Equal(t, "connection", first["type"])
	assert.Equal(t, float64(c.handle), first["connection_id"])

	second := decodeFrame(t, <-c.send)
	assert.Equal(t, "notification_count", second["type"])
}

func TestGreetSurvivesSnapshotFailure(t *testing.T) {
	s, _, st := newTestServer(t)
	st.countsErr = assert.AnError
	c := connectedClient(t, s.sessions, "42")

	s.responder.Greet(context.Background(), s.sessions, c)

	// Connection ack went out; the failed snapshot is logged, not fatal.
	require.Len(t, c.send, 1)
	frame := decodeFrame(t, <-c.send)
	assert.Equal(t, "connection", frame["type"])
	assert.True(t, s.sessions.isEstablished(c.handle))
}
