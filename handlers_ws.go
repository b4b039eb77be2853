package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// handleWebSocket upgrades the request and runs admission. The socket
// protocol lives on path "/" with a numeric userId query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Connection slot, bounded at MaxConnections per worker.
	select {
	case s.connectionsSem <- struct{}{}:
	case <-time.After(5 * time.Second):
		s.logger.Warn().
			Int64("current_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected, server at capacity")
		connectionsFailed.Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("userId")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		connectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket upgrade failed")
		return
	}

	// Admission rule: userId must be present and numeric. The close code
	// has to travel on the upgraded socket, so validation follows the
	// upgrade.
	if !isNumeric(userID) {
		body := ws.NewCloseFrameBody(closeCodeMissingUser, "missing or invalid userId")
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
		<-s.connectionsSem
		connectionsFailed.Inc()
		disconnectsTotal.WithLabelValues(closeCodeLabel(closeCodeMissingUser)).Inc()
		s.logger.Warn().
			Str("user_id", userID).
			Str("remote_addr", r.RemoteAddr).
			Msg("Connection rejected, missing or invalid userId")
		return
	}

	client := newClient(s.sessions.allocateHandle(), userID, conn)

	if err := s.sessions.admit(r.Context(), client); err != nil {
		// Bind exhausted its retries. Bind is one MULTI, so there is no
		// partial registry entry to clean up.
		body := ws.NewCloseFrameBody(closeCodeMissingUser, "admission failed")
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
		<-s.connectionsSem
		connectionsFailed.Inc()
		disconnectsTotal.WithLabelValues(closeCodeLabel(closeCodeMissingUser)).Inc()
		s.logger.Error().
			Err(err).
			Str("user_id", userID).
			Int64("handle", client.handle).
			Msg("Admission failed")
		return
	}

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	atomic.AddInt64(&s.stats.CurrentConnections, 1)
	connectionsTotal.Inc()

	s.logger.Info().
		Str("user_id", userID).
		Int64("handle", client.handle).
		Int64("current_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)

	// Opening frames, then any notifications that queued up while the
	// user was offline.
	s.responder.Greet(r.Context(), s.sessions, client)
	s.pump.EnqueueDrainOffline(userID)
}

// isNumeric reports whether id is a non-empty string of ASCII digits.
func isNumeric(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readPump is the single reader of the socket. It drives the heartbeat:
// every inbound data frame, rate-limited ones included, resets the idle
// timer, and the read deadline is a transport-level second line of
// defence behind it.
func (s *Server) readPump(c *Client) {
	defer func() {
		s.sessions.teardown(c, int(ws.StatusNormalClosure), "connection closed")
		atomic.AddInt64(&s.stats.CurrentConnections, -1)
		<-s.connectionsSem
	}()

	readDeadline := s.config.HeartbeatIdle + s.config.HeartbeatCheckInterval

	for {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		s.sessions.touch(c)

		switch op {
		case ws.OpText:
			framesReceived.Inc()
			if !c.limiter.Allow() {
				rateLimitedFrames.Inc()
				s.logger.Warn().
					Str("user_id", c.userID).
					Int64("handle", c.handle).
					Msg("Client rate limited")
				continue
			}
			if !s.handleClientFrame(c, msg) {
				return
			}
		case ws.OpClose:
			return
		}
	}
}

// handleClientFrame decodes and dispatches one inbound frame. Returns
// false when the connection must terminate (protocol violation).
func (s *Server) handleClientFrame(c *Client, data []byte) bool {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Err(err).
			Msg("Malformed inbound frame, terminating connection")
		s.sessions.teardown(c, int(ws.StatusProtocolError), "malformed frame")
		return false
	}

	switch frame.Action {
	case "ping":
		// Reply in the same turn, ahead of anything else queued.
		s.sessions.push(c.handle, pongFrame(time.Now()))

	case "pong":
		// Liveness side-effect applied below via the timer reset.

	case "get_notifications":
		s.workerPool.Submit(func(ctx context.Context) {
			s.responder.PushCounts(ctx, s.sessions, c)
		})

	case "send_notification":
		target := frame.UserID
		if target == "" {
			target = c.userID
		}
		event := frame.Event
		if event == "" {
			event = "notification"
		}
		s.pump.EnqueueSendNotification(target, frame.Message, event)

	case "mark_read":
		if frame.NotificationID == "" {
			s.logger.Warn().
				Str("user_id", c.userID).
				Msg("mark_read without notification_id")
			break
		}
		s.pump.EnqueueMarkRead(c.userID, frame.NotificationID)

	default:
		s.logger.Warn().
			Str("user_id", c.userID).
			Int64("handle", c.handle).
			Str("action", frame.Action).
			Msg("Unknown action, ignoring")
	}

	// Re-arm the heartbeat after the reply.
	s.sessions.touch(c)
	return true
}

// writePump is the single writer of the socket; per-connection FIFO for
// outbound frames follows from that ownership.
func (s *Server) writePump(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				s.logger.Debug().
					Str("user_id", c.userID).
					Int64("handle", c.handle).
					Err(err).
					Msg("Write failed, closing connection")
				s.sessions.teardown(c, int(ws.StatusAbnormalClosure), "write failure")
				return
			}
		}
	}
}
