package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/notify-ws/internal/registry"
	"github.com/adred-codev/notify-ws/internal/store"
)

const (
	// Delay before re-establishing a lost broker subscription.
	resubscribeDelay = 5 * time.Second

	// How often the poller sweeps the store for pending rows.
	defaultPollInterval = 15 * time.Second
)

// pendingStore is the slice of the persistence layer the pump needs.
type pendingStore interface {
	PendingNotifications(ctx context.Context) ([]store.PendingNotification, error)
	MarkSent(ctx context.Context, id string) error
	MarkRead(ctx context.Context, userID, notificationID string, readAt time.Time) error
}

// Pump feeds the Dispatcher from three independent sources: the shared
// broker channel, the store's pending rows, and the in-process task queue.
// Each feeder fails and recovers on its own; none can take down another.
type Pump struct {
	registry   *registry.Registry
	dispatcher *Dispatcher
	store      pendingStore
	pool       *WorkerPool
	interval   time.Duration
	logger     zerolog.Logger

	wg sync.WaitGroup
}

func NewPump(reg *registry.Registry, dispatcher *Dispatcher, st pendingStore, pool *WorkerPool, interval time.Duration, logger zerolog.Logger) *Pump {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Pump{
		registry:   reg,
		dispatcher: dispatcher,
		store:      st,
		pool:       pool,
		interval:   interval,
		logger:     logger.With().Str("component", "pump").Logger(),
	}
}

// Start launches the broker subscriber and the poller. Both run until ctx
// is cancelled; Wait blocks until they have exited.
func (p *Pump) Start(ctx context.Context) {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer RecoverPanic(p.logger, "broker_subscriber")
		p.runBroker(ctx)
	}()
	go func() {
		defer p.wg.Done()
		defer RecoverPanic(p.logger, "db_poller")
		p.runPoller(ctx)
	}()
}

// Wait blocks until both feeders have stopped.
func (p *Pump) Wait() {
	p.wg.Wait()
}

// runBroker holds a long-lived subscription on the shared notification
// channel. Subscription loss is absorbed with a 5 s pause and a fresh
// subscribe; the loop only exits with the server.
func (p *Pump) runBroker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sub := p.registry.Subscribe(ctx)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Dur("retry_in", resubscribeDelay).Msg("Broker subscribe failed")
			brokerResubscribesTotal.Inc()
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		p.logger.Info().Str("channel", registry.Channel).Msg("Broker subscription established")
		ch := sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					// Connection dropped underneath the subscription.
					break recv
				}
				p.handleBrokerPayload(ctx, []byte(msg.Payload))
			}
		}

		sub.Close()
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn().Dur("retry_in", resubscribeDelay).Msg("Broker subscription lost, resubscribing")
		brokerResubscribesTotal.Inc()
		if !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

// handleBrokerPayload decodes one channel message and hands it to the
// Dispatcher. Publishers send {"userId": ..., "message": ...}; userId
// arrives as either a JSON number or a string depending on the producer.
func (p *Pump) handleBrokerPayload(ctx context.Context, payload []byte) {
	brokerMessagesTotal.Inc()

	var msg struct {
		UserID  json.RawMessage `json:"userId"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn().Err(err).Msg("Malformed broker payload, skipping")
		return
	}

	userID := normalizeUserID(msg.UserID)
	if userID == "" {
		p.logger.Warn().RawJSON("payload", payload).Msg("Broker payload missing userId, skipping")
		return
	}

	p.dispatcher.Deliver(ctx, userID, msg.Message, "notification")
}

// normalizeUserID accepts both "42" and 42 wire forms and returns the
// canonical string identity used in registry keys.
func normalizeUserID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

// runPoller sweeps the store for pending rows every interval. The first
// sweep happens immediately so a restart does not delay backlogged rows.
func (p *Pump) runPoller(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processPending(ctx)
		}
	}
}

// processPending delivers every pending row and transitions it to sent.
// Delivered and queued both count as handled — once a record reaches the
// offline queue the row must not be re-sent next cycle. Rows with missing
// fields are left pending and logged; a failed status write is also left
// pending for the next cycle, so that row can be delivered more than once
// (at-least-once).
func (p *Pump) processPending(ctx context.Context) {
	pending, err := p.store.PendingNotifications(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Pending notification sweep failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	p.logger.Debug().Int("count", len(pending)).Msg("Processing pending notification rows")

	for _, row := range pending {
		if ctx.Err() != nil {
			return
		}
		if row.UserID == "" || row.Message == "" {
			p.logger.Warn().
				Str("id", row.ID).
				Str("user_id", row.UserID).
				Msg("Pending row missing user_id or message, skipping")
			pendingRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		result := p.dispatcher.Deliver(ctx, row.UserID, row.Message, row.Event)

		if err := p.store.MarkSent(ctx, row.ID); err != nil {
			p.logger.Error().
				Err(err).
				Str("id", row.ID).
				Msg("Failed to mark row sent; it will be retried next cycle")
			pendingRowsTotal.WithLabelValues("mark_failed").Inc()
			continue
		}
		pendingRowsTotal.WithLabelValues(result.String()).Inc()
	}
}

// sleepCtx sleeps for d unless ctx ends first. Returns false when ctx is
// done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
