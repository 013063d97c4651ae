package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// EventLoader and SubscriptionLookup are the storage dependencies the
// matcher needs, kept narrow so tests can fake them without a database.
type EventLoader interface {
	EventByID(ctx context.Context, id int64) (model.IndexedEvent, error)
}

type SubscriptionLookup interface {
	ActiveSubscriptionsFor(ctx context.Context, address, chain string, eventType model.EventType) ([]model.Subscription, error)
}

// Enqueuer hands a freshly created alert to the delivery queue producer.
// A push failure is logged and swallowed here: the notification row is
// already committed pending, so the producer's background sweeper will
// retry it.
type Enqueuer interface {
	EnqueueAlert(ctx context.Context, a model.Alert, channelID uuid.UUID) error
}

// Matcher consumes newly persisted event ids from the ingestion pipeline's
// post-commit channel, loads each event, finds candidate subscriptions,
// evaluates their predicates, and forwards matches to the hysteresis
// engine. One Matcher instance is shared across the process; Run drains
// its input channel until it is closed or ctx is canceled, matching the
// shutdown ordering in which the poller stops feeding new ids before the
// matcher is asked to stop.
type Matcher struct {
	events  EventLoader
	subs    SubscriptionLookup
	ticks   TickLookup
	engine  *Engine
	enqueue Enqueuer // nil disables the queue hand-off (tests)
	logger  *slog.Logger

	mu         sync.Mutex
	predicates map[uuid.UUID]Predicate
}

// NewMatcher builds a Matcher. ticks backs price-change predicates that
// need a lookback window.
func NewMatcher(events EventLoader, subs SubscriptionLookup, ticks TickLookup, engine *Engine, enqueue Enqueuer, logger *slog.Logger) *Matcher {
	return &Matcher{
		events:     events,
		subs:       subs,
		ticks:      ticks,
		engine:     engine,
		enqueue:    enqueue,
		logger:     logger,
		predicates: make(map[uuid.UUID]Predicate),
	}
}

// Run drains ids until the channel is closed or ctx is canceled, dispatching
// each to MatchEvent. Errors are logged, not fatal: a bad threshold_config
// on one subscription must not stop matching for every other subscription.
func (m *Matcher) Run(ctx context.Context, ids <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			if err := m.MatchEvent(ctx, id); err != nil {
				m.logger.Error("alert: match event", "event_id", id, "error", err)
			}
		}
	}
}

// MatchEvent loads event id, finds its candidate subscriptions, evaluates
// each one's predicate, and forwards matches to the hysteresis engine.
func (m *Matcher) MatchEvent(ctx context.Context, id int64) error {
	event, err := m.events.EventByID(ctx, id)
	if err != nil {
		return fmt.Errorf("alert: load event %d: %w", id, err)
	}
	if event.IsReorged {
		return nil
	}

	candidates, err := m.subs.ActiveSubscriptionsFor(ctx, event.Address, event.Chain, event.EventType)
	if err != nil {
		return fmt.Errorf("alert: candidates for event %d: %w", id, err)
	}

	now := time.Now()
	for _, sub := range candidates {
		pred, err := m.predicateFor(sub)
		if err != nil {
			m.logger.Error("alert: parse predicate", "subscription_id", sub.ID, "error", err)
			continue
		}

		ok, obs, err := pred.Evaluate(ctx, m.ticks, event)
		if err != nil {
			m.logger.Error("alert: evaluate predicate", "subscription_id", sub.ID, "event_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}

		fire, err := m.engine.Evaluate(ctx, sub, obs, event, now)
		if err != nil {
			m.logger.Error("alert: evaluate hysteresis", "subscription_id", sub.ID, "event_id", id, "error", err)
			continue
		}
		if fire.Created {
			m.logger.Info("alert: fired", "subscription_id", sub.ID, "event_id", id, "severity", fire.Severity)
			if m.enqueue != nil {
				if err := m.enqueue.EnqueueAlert(ctx, fire.Alert, sub.ChannelID); err != nil {
					// The notification row stays pending; the sweeper retries.
					m.logger.Warn("alert: enqueue delivery", "alert_id", fire.Alert.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// predicateFor parses sub's predicate once and caches it, per the design
// note that threshold_config parsing happens once per subscription load
// rather than once per event. A cached entry is kept until Forget drops
// it; a later change to the subscription's threshold_config is not seen
// before then.
func (m *Matcher) predicateFor(sub model.Subscription) (Predicate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pred, ok := m.predicates[sub.ID]; ok {
		return pred, nil
	}
	pred, err := ParsePredicate(sub.EventType, sub.ThresholdConfig)
	if err != nil {
		return nil, err
	}
	m.predicates[sub.ID] = pred
	return pred, nil
}

// Forget drops a cached predicate so the next match re-parses the
// subscription's current threshold_config.
func (m *Matcher) Forget(subscriptionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.predicates, subscriptionID)
}
