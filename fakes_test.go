package main

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/notify-ws/internal/registry"
	"github.com/adred-codev/notify-ws/internal/store"
)

// fakeRegistry is an in-memory registryClient with the same
// compare-and-delete semantics as the Redis-backed implementation.
type fakeRegistry struct {
	mu      sync.Mutex
	forward map[string]registry.Binding
	inverse map[int64]string
	offline map[string][]registry.Notification

	bindErr      error
	bindFailures int // fail this many Bind calls before succeeding
	lookupErr    error
	enqueueErr   error
	drainErr     error

	bindCalls           int
	unbindCalls         int
	unbindByHandleCalls int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		forward: make(map[string]registry.Binding),
		inverse: make(map[int64]string),
		offline: make(map[string][]registry.Notification),
	}
}

func (f *fakeRegistry) Bind(ctx context.Context, userID, server string, handle int64) (*registry.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindCalls++
	if f.bindFailures > 0 {
		f.bindFailures--
		return nil, f.bindErr
	}
	if f.bindErr != nil {
		return nil, f.bindErr
	}

	var prior *registry.Binding
	if old, ok := f.forward[userID]; ok {
		prior = &old
		delete(f.inverse, old.Handle)
	}
	f.forward[userID] = registry.Binding{Server: server, Handle: handle}
	f.inverse[handle] = userID
	return prior, nil
}

func (f *fakeRegistry) LookupByUser(ctx context.Context, userID string) (registry.Binding, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return registry.Binding{}, false, f.lookupErr
	}
	b, ok := f.forward[userID]
	return b, ok, nil
}

func (f *fakeRegistry) LookupByHandle(ctx context.Context, server string, handle int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.inverse[handle]
	return u, ok, nil
}

func (f *fakeRegistry) Unbind(ctx context.Context, userID, server string, handle int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbindCalls++
	if b, ok := f.forward[userID]; ok && b.Server == server && b.Handle == handle {
		delete(f.forward, userID)
		delete(f.inverse, handle)
	}
	return nil
}

func (f *fakeRegistry) UnbindByHandle(ctx context.Context, server string, handle int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbindByHandleCalls++
	userID, ok := f.inverse[handle]
	if !ok {
		return nil
	}
	delete(f.inverse, handle)
	if b, ok := f.forward[userID]; ok && b.Server == server && b.Handle == handle {
		delete(f.forward, userID)
	}
	return nil
}

func (f *fakeRegistry) EnqueueOffline(ctx context.Context, n registry.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.offline[n.UserID] = append(f.offline[n.UserID], n)
	return nil
}

func (f *fakeRegistry) DrainOffline(ctx context.Context, userID string) ([]registry.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drainErr != nil {
		return nil, f.drainErr
	}
	out := f.offline[userID]
	delete(f.offline, userID)
	return out, nil
}

func (f *fakeRegistry) OfflineLen(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.offline[userID])), nil
}

func (f *fakeRegistry) offlineQueue(userID string) []registry.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Notification, len(f.offline[userID]))
	copy(out, f.offline[userID])
	return out
}

// fakeStore satisfies pendingStore, snapshotStore and unreadCounter.
type fakeStore struct {
	mu      sync.Mutex
	pending []store.PendingNotification
	counts  store.UnreadCounts
	unread  int64

	pendingErr error
	countsErr  error

	markedSent []string
	markedRead [][2]string // userID, notificationID
}

func (f *fakeStore) PendingNotifications(ctx context.Context) ([]store.PendingNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	out := make([]store.PendingNotification, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedSent = append(f.markedSent, id)
	return nil
}

func (f *fakeStore) MarkRead(ctx context.Context, userID, notificationID string, readAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, [2]string{userID, notificationID})
	return nil
}

func (f *fakeStore) CountUnread(ctx context.Context, userID string) (store.UnreadCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countsErr != nil {
		return store.UnreadCounts{}, f.countsErr
	}
	return f.counts, nil
}

func (f *fakeStore) TotalUnread(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeStore) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.markedSent))
	copy(out, f.markedSent)
	return out
}

func (f *fakeStore) readPairs() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.markedRead))
	copy(out, f.markedRead)
	return out
}
