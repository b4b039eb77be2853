package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/notify-ws/internal/store"
)

func decodeFrame(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestConnectionFrame(t *testing.T) {
	frame := decodeFrame(t, connectionFrame(17))
	assert.Equal(t, "connection", frame["type"])
	assert.Equal(t, "connected", frame["status"])
	assert.Equal(t, "WebSocket connection established", frame["message"])
	assert.Equal(t, float64(17), frame["connection_id"])
}

func TestPongFrame(t *testing.T) {
	now := time.Now()
	frame := decodeFrame(t, pongFrame(now))
	assert.Equal(t, "pong", frame["type"])
	assert.Equal(t, float64(now.UnixMilli()), frame["timestamp"])
}

func TestNotificationCountFrame(t *testing.T) {
	frame := decodeFrame(t, notificationCountFrame(store.UnreadCounts{
		SystemNotifications:   1,
		GeneralNotices:        2,
		PersonalNotifications: 3,
		Announcements:         4,
	}))
	assert.Equal(t, "notification_count", frame["type"])

	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["system_notifications"])
	assert.Equal(t, float64(2), data["general_notices"])
	assert.Equal(t, float64(3), data["personal_notifications"])
	assert.Equal(t, float64(4), data["announcements"])
}

func TestNotificationFrame(t *testing.T) {
	now := time.Now()
	frame := decodeFrame(t, notificationFrame("notification", "hello", 5, now))
	assert.Equal(t, "notification", frame["type"])
	assert.Equal(t, "notification", frame["event"])
	assert.Equal(t, "hello", frame["message"])
	assert.Equal(t, float64(5), frame["count"])
	assert.Equal(t, float64(now.UnixMilli()), frame["timestamp"])
}

func TestIsNumeric(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"42", true},
		{"0", true},
		{"123456789012345", true},
		{"", false},
		{"abc", false},
		{"12a", false},
		{"-1", false},
		{"1.5", false},
		{" 42", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNumeric(tt.id), "isNumeric(%q)", tt.id)
	}
}
