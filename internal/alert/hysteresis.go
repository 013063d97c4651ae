package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flareemissary/emissary/internal/model"
)

// HysteresisParams are the per-subscription flap-suppression tunables,
// parsed out of threshold_config alongside the predicate itself.
type HysteresisParams struct {
	Enter    decimal.Decimal
	Exit     decimal.Decimal
	Cooldown time.Duration
	Edge     string // "enter_only" (default) or "both"
}

const (
	defaultCooldown = 5 * time.Minute
	edgeEnterOnly   = "enter_only"
	edgeBoth        = "both"
)

// ParseHysteresisParams reads enter/exit/cooldown/edge out of a
// subscription's threshold_config. enter/exit only matter for continuous
// (non-occurrence) predicates; occurrence predicates use only cooldown and
// edge.
func ParseHysteresisParams(cfg map[string]any) (HysteresisParams, error) {
	p := HysteresisParams{Cooldown: defaultCooldown, Edge: edgeEnterOnly}

	if raw, ok := cfg["value"]; ok {
		// The predicate's own "value" doubles as the default enter
		// threshold when no explicit "enter" key is given.
		v, err := decimalFromAny(raw)
		if err != nil {
			return p, fmt.Errorf("alert: hysteresis: value: %w", err)
		}
		p.Enter = v
		p.Exit = v
	}
	if raw, ok := cfg["enter"]; ok {
		v, err := decimalFromAny(raw)
		if err != nil {
			return p, fmt.Errorf("alert: hysteresis: enter: %w", err)
		}
		p.Enter = v
		if _, hasExit := cfg["exit"]; !hasExit {
			p.Exit = v
		}
	}
	if raw, ok := cfg["exit"]; ok {
		v, err := decimalFromAny(raw)
		if err != nil {
			return p, fmt.Errorf("alert: hysteresis: exit: %w", err)
		}
		p.Exit = v
	}

	if raw, ok := cfg["cooldown_seconds"]; ok {
		n, err := intFromAny(raw)
		if err != nil {
			return p, fmt.Errorf("alert: hysteresis: cooldown_seconds: %w", err)
		}
		p.Cooldown = time.Duration(n) * time.Second
	}

	if raw, ok := cfg["edge"]; ok {
		edge, _ := raw.(string)
		switch edge {
		case edgeEnterOnly, edgeBoth:
			p.Edge = edge
		default:
			return p, fmt.Errorf("alert: hysteresis: unsupported edge %q", edge)
		}
	}

	return p, nil
}

// StateStore is the persistence the hysteresis engine needs, satisfied by
// storage.DB and faked in tests. CreateAlert is guarded by the
// (subscription_id, event_id) uniqueness constraint, making replay of an
// already-seen event a safe no-op.
type StateStore interface {
	GetHysteresisState(ctx context.Context, subscriptionID uuid.UUID, stateKey string) (model.HysteresisState, bool, error)
	UpsertHysteresisState(ctx context.Context, s model.HysteresisState) error
	CreateAlert(ctx context.Context, a model.Alert, channelID uuid.UUID) (uuid.UUID, bool, error)
}

// Engine applies the enter/exit/cooldown state machine to matched
// candidates and persists the resulting Alert (and Notification) via
// StateStore. A StateCache fronts the database read so a busy subscription
// doesn't round-trip to Postgres on every event; the database remains
// source of truth.
type Engine struct {
	store StateStore
	cache *StateCache
}

// NewEngine builds a hysteresis engine backed by store, optionally fronted
// by cache (nil disables the read-through cache).
func NewEngine(store StateStore, cache *StateCache) *Engine {
	return &Engine{store: store, cache: cache}
}

// Fire is the outcome of evaluating one matched candidate against its
// hysteresis state: whether an Alert was (newly) created, and its severity.
type Fire struct {
	Created  bool
	Alert    model.Alert
	Severity model.Severity
}

// Evaluate applies sub's hysteresis parameters to obs for event e,
// updating persisted state and firing an Alert when the state machine's
// transitions dictate it. now is injected so tests can control cooldown
// timing.
func (eng *Engine) Evaluate(ctx context.Context, sub model.Subscription, obs Observation, e model.IndexedEvent, now time.Time) (Fire, error) {
	params, err := ParseHysteresisParams(sub.ThresholdConfig)
	if err != nil {
		return Fire{}, err
	}

	state, err := eng.loadState(ctx, sub.ID, obs.StateKey)
	if err != nil {
		return Fire{}, err
	}

	if obs.Occurrence {
		return eng.evaluateOccurrence(ctx, sub, obs, e, params, state, now)
	}
	return eng.evaluateContinuous(ctx, sub, obs, e, params, state, now)
}

func (eng *Engine) loadState(ctx context.Context, subID uuid.UUID, stateKey string) (model.HysteresisState, error) {
	if eng.cache != nil {
		if s, ok := eng.cache.Get(subID, stateKey); ok {
			return s, nil
		}
	}
	s, found, err := eng.store.GetHysteresisState(ctx, subID, stateKey)
	if err != nil {
		return model.HysteresisState{}, fmt.Errorf("alert: load hysteresis state: %w", err)
	}
	if !found {
		s = model.HysteresisState{SubscriptionID: subID, StateKey: stateKey}
	}
	if eng.cache != nil {
		eng.cache.Set(subID, stateKey, s)
	}
	return s, nil
}

func (eng *Engine) saveState(ctx context.Context, s model.HysteresisState) error {
	if err := eng.store.UpsertHysteresisState(ctx, s); err != nil {
		return fmt.Errorf("alert: save hysteresis state: %w", err)
	}
	if eng.cache != nil {
		eng.cache.Set(s.SubscriptionID, s.StateKey, s)
	}
	return nil
}

// evaluateOccurrence handles predicates with no continuous signal (FAsset
// events, FDC, the wildcard "Any" row): every relevant event is itself
// alert-worthy, gated only by cooldown. There is no sustained "in alert"
// state to recover from, so in_alert is reset immediately after firing —
// the state only exists to remember last_fire_at.
func (eng *Engine) evaluateOccurrence(ctx context.Context, sub model.Subscription, obs Observation, e model.IndexedEvent, params HysteresisParams, state model.HysteresisState, now time.Time) (Fire, error) {
	if state.LastFireAt != nil && now.Sub(*state.LastFireAt) < params.Cooldown {
		return Fire{}, nil
	}

	severity := severityFor(e.EventType, e.DecodedData)
	alert := model.Alert{
		SubscriptionID: sub.ID,
		EventID:        e.ID,
		Severity:       severity,
		Message:        messageFor(e, sub),
		TriggeredAt:    now,
	}
	alertID, created, err := eng.store.CreateAlert(ctx, alert, sub.ChannelID)
	if err != nil {
		return Fire{}, fmt.Errorf("alert: create alert: %w", err)
	}
	if !created {
		// Already alerted for this exact event (replay); do not re-advance
		// last_fire_at so genuine cooldown accounting is unaffected.
		return Fire{}, nil
	}
	alert.ID = alertID

	state.LastFireAt = &now
	if err := eng.saveState(ctx, state); err != nil {
		return Fire{}, err
	}

	return Fire{Created: true, Alert: alert, Severity: severity}, nil
}

// evaluateContinuous handles the FTSO price predicate's sustained
// enter/exit/cooldown state machine.
func (eng *Engine) evaluateContinuous(ctx context.Context, sub model.Subscription, obs Observation, e model.IndexedEvent, params HysteresisParams, state model.HysteresisState, now time.Time) (Fire, error) {
	state.LastValue = &obs.Value
	crossesEnter := crosses(obs.Direction, obs.Value, params.Enter)
	crossesExitRecovery := crossesRecovery(obs.Direction, obs.Value, params.Exit)

	switch {
	case !state.InAlert && crossesEnter:
		if state.LastFireAt != nil && now.Sub(*state.LastFireAt) < params.Cooldown {
			// Cooldown still active: record the value but don't fire.
			if err := eng.saveState(ctx, state); err != nil {
				return Fire{}, err
			}
			return Fire{}, nil
		}

		alert := model.Alert{
			SubscriptionID: sub.ID,
			EventID:        e.ID,
			Severity:       severityFor(e.EventType, e.DecodedData),
			Message:        messageFor(e, sub),
			TriggeredAt:    now,
		}
		alertID, created, err := eng.store.CreateAlert(ctx, alert, sub.ChannelID)
		if err != nil {
			return Fire{}, fmt.Errorf("alert: create alert: %w", err)
		}
		state.InAlert = true
		state.LastFireAt = &now
		if err := eng.saveState(ctx, state); err != nil {
			return Fire{}, err
		}
		if !created {
			return Fire{}, nil
		}
		alert.ID = alertID
		return Fire{Created: true, Alert: alert, Severity: alert.Severity}, nil

	case state.InAlert && crossesExitRecovery:
		state.InAlert = false
		fire := Fire{}
		if params.Edge == edgeBoth {
			cooldownOK := state.LastFireAt == nil || now.Sub(*state.LastFireAt) >= params.Cooldown
			if cooldownOK {
				alert := model.Alert{
					SubscriptionID: sub.ID,
					EventID:        e.ID,
					Severity:       model.SeverityInfo,
					Message:        fmt.Sprintf("recovered: %s", messageFor(e, sub)),
					TriggeredAt:    now,
				}
				alertID, created, err := eng.store.CreateAlert(ctx, alert, sub.ChannelID)
				if err != nil {
					return Fire{}, fmt.Errorf("alert: create recovery alert: %w", err)
				}
				state.LastFireAt = &now
				if created {
					alert.ID = alertID
					fire = Fire{Created: true, Alert: alert, Severity: model.SeverityInfo}
				}
			}
		}
		if err := eng.saveState(ctx, state); err != nil {
			return Fire{}, err
		}
		return fire, nil

	default:
		if err := eng.saveState(ctx, state); err != nil {
			return Fire{}, err
		}
		return Fire{}, nil
	}
}

// crosses reports whether value is on the alerting side of threshold for
// direction. The predicate has already collapsed >, >=, <, <= into a
// single Direction, so the boundary itself counts as crossed.
func crosses(dir Direction, value, threshold decimal.Decimal) bool {
	if dir == Above {
		return value.GreaterThanOrEqual(threshold)
	}
	return value.LessThanOrEqual(threshold)
}

// crossesRecovery is the opposite-direction test against the exit
// threshold: recovering from an Above-direction alert means the value has
// fallen back below exit, and vice versa.
func crossesRecovery(dir Direction, value, threshold decimal.Decimal) bool {
	if dir == Above {
		return value.LessThan(threshold)
	}
	return value.GreaterThan(threshold)
}

// severityFor assigns a default severity per event kind. Liquidations are
// critical without the subscriber having to say so.
func severityFor(eventType model.EventType, decoded map[string]any) model.Severity {
	switch eventType {
	case model.EventFAssetLiquidationStarted:
		return model.SeverityCritical
	case model.EventFAssetCollateralWithdrawn, model.EventFdcAttestationRequested:
		return model.SeverityWarning
	default:
		return model.SeverityWarning
	}
}

func messageFor(e model.IndexedEvent, sub model.Subscription) string {
	return fmt.Sprintf("%s observed on %s", e.EventType, sub.Address)
}
