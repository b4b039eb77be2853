package main

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/notify-ws/internal/store"
)

// Client-to-server frame. Actions: ping, pong, get_notifications,
// send_notification, mark_read.
type clientFrame struct {
	Action         string `json:"action"`
	UserID         string `json:"user_id,omitempty"`
	Message        string `json:"message,omitempty"`
	Event          string `json:"event,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

// Server-to-client envelopes. The wire shapes are an external contract;
// clients switch on the "type" field.

func connectionFrame(handle int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          "connection",
		"status":        "connected",
		"message":       "WebSocket connection established",
		"connection_id": handle,
	})
	return data
}

func pongFrame(ts time.Time) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":      "pong",
		"timestamp": ts.UnixMilli(),
	})
	return data
}

func notificationCountFrame(counts store.UnreadCounts) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "notification_count",
		"data": counts,
	})
	return data
}

func notificationFrame(event, message string, count int64, ts time.Time) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":      "notification",
		"event":     event,
		"message":   message,
		"count":     count,
		"timestamp": ts.UnixMilli(),
	})
	return data
}
