// Package alert matches newly persisted events against active subscriptions
// and applies the hysteresis state machine that decides whether a match
// actually fires an alert.
package alert

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/flareemissary/emissary/internal/model"
)

// TickLookup is the subset of storage.DB the price-change predicate needs,
// kept as an interface so predicate evaluation is unit-testable without a
// database.
type TickLookup interface {
	RecentTicks(ctx context.Context, feedID string, n int) ([]model.FtsoPriceTick, error)
}

// Direction says which side of a threshold is the "alerting" side for a
// continuous observation, so the hysteresis engine can tell entering from
// recovering without re-parsing the predicate's operator.
type Direction int

const (
	// Above means values greater than the threshold are alerting.
	Above Direction = iota
	// Below means values less than the threshold are alerting.
	Below
)

// Observation is what a Predicate hands to the hysteresis engine once a
// candidate subscription is deemed relevant to an event.
type Observation struct {
	// StateKey identifies the hysteresis bucket within the subscription,
	// e.g. a feed id for price predicates or an agent address for FAsset
	// predicates.
	StateKey string
	// Occurrence predicates carry no continuous signal — every relevant
	// event is itself alert-worthy, gated only by cooldown. Continuous
	// predicates (currently only FTSO price) carry a Value and Direction
	// the hysteresis engine compares against enter/exit thresholds.
	Occurrence bool
	Value      decimal.Decimal
	Direction  Direction
}

// Predicate evaluates a decoded event against one subscription's
// threshold_config. ok=false means the event isn't relevant to this
// subscription at all (e.g. a price tick for a different feed, or a
// change_pct_abs window not yet full) — the matcher does not forward it to
// the hysteresis engine.
type Predicate interface {
	Evaluate(ctx context.Context, ticks TickLookup, e model.IndexedEvent) (ok bool, obs Observation, err error)
}

// ParsePredicate builds the typed predicate tree for one subscription,
// parsed once per subscription load rather than per event. The shape of
// threshold_config is determined by eventType.
func ParsePredicate(eventType model.EventType, cfg map[string]any) (Predicate, error) {
	switch eventType {
	case model.EventFtsoPriceEpochFinalized:
		return parsePricePredicate(cfg)
	case model.EventFAssetLiquidationStarted:
		return parseLiquidationPredicate(cfg)
	case model.EventFAssetCollateralDeposited, model.EventFAssetCollateralWithdrawn:
		return parseCollateralPredicate(cfg)
	default:
		// Any other event kind (FDC, FTSO VotePowerChanged/RewardEpochStarted,
		// FAsset MintingExecuted/RedemptionRequested, Generic, or the '*'
		// wildcard subscription type) gets the "{}" occurrence predicate:
		// match on event occurrence alone.
		return occurrencePredicate{}, nil
	}
}

// occurrencePredicate matches any event it is asked about; it exists so a
// subscription with an empty threshold_config still reaches the hysteresis
// engine (which applies cooldown debouncing) rather than firing unthrottled.
type occurrencePredicate struct{}

func (occurrencePredicate) Evaluate(_ context.Context, _ TickLookup, e model.IndexedEvent) (bool, Observation, error) {
	return true, Observation{StateKey: e.Address, Occurrence: true}, nil
}

// pricePredicate evaluates FTSO PriceEpochFinalized events against
// {feed_id, op, value, window_ticks?}.
type pricePredicate struct {
	feedID      string
	op          string
	value       decimal.Decimal
	windowTicks int // 0 means "not a change_pct_abs predicate"
}

func parsePricePredicate(cfg map[string]any) (Predicate, error) {
	feedID, _ := cfg["feed_id"].(string)

	op, _ := cfg["op"].(string)
	if op == "" {
		// No predicate configured: treat like the "Any" row — match on
		// occurrence of a finalization for this feed (or any feed, if
		// feed_id is also absent).
		return feedOccurrencePredicate{feedID: feedID}, nil
	}

	rawValue, ok := cfg["value"]
	if !ok {
		return nil, fmt.Errorf("alert: price predicate: op %q requires value", op)
	}
	value, err := decimalFromAny(rawValue)
	if err != nil {
		return nil, fmt.Errorf("alert: price predicate: value: %w", err)
	}

	windowTicks := 0
	if raw, ok := cfg["window_ticks"]; ok {
		n, err := intFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("alert: price predicate: window_ticks: %w", err)
		}
		windowTicks = n
	}

	switch op {
	case ">", "<", ">=", "<=", "change_pct_abs":
	default:
		return nil, fmt.Errorf("alert: price predicate: unsupported op %q", op)
	}
	if op == "change_pct_abs" && windowTicks <= 0 {
		return nil, fmt.Errorf("alert: price predicate: change_pct_abs requires window_ticks")
	}

	return pricePredicate{feedID: feedID, op: op, value: value, windowTicks: windowTicks}, nil
}

// feedOccurrencePredicate matches every PriceEpochFinalized for feedID (or
// any feed, if feedID is empty), without a threshold.
type feedOccurrencePredicate struct{ feedID string }

func (p feedOccurrencePredicate) Evaluate(_ context.Context, _ TickLookup, e model.IndexedEvent) (bool, Observation, error) {
	if p.feedID != "" {
		if fid, _ := e.DecodedData["feed_id"].(string); fid != p.feedID {
			return false, Observation{}, nil
		}
	}
	return true, Observation{StateKey: p.feedID, Occurrence: true}, nil
}

func (p pricePredicate) Evaluate(ctx context.Context, ticks TickLookup, e model.IndexedEvent) (bool, Observation, error) {
	feedID, _ := e.DecodedData["feed_id"].(string)
	if p.feedID != "" && feedID != p.feedID {
		return false, Observation{}, nil
	}

	priceStr, _ := e.DecodedData["price"].(string)
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return false, Observation{}, fmt.Errorf("alert: price predicate: parse event price %q: %w", priceStr, err)
	}

	if p.op == "change_pct_abs" {
		return p.evaluateChangePct(ctx, ticks, feedID)
	}

	dir := Above
	if p.op == "<" || p.op == "<=" {
		dir = Below
	}
	return true, Observation{StateKey: feedID, Value: price, Direction: dir}, nil
}

func (p pricePredicate) evaluateChangePct(ctx context.Context, ticks TickLookup, feedID string) (bool, Observation, error) {
	recent, err := ticks.RecentTicks(ctx, feedID, p.windowTicks)
	if err != nil {
		return false, Observation{}, fmt.Errorf("alert: change_pct_abs: recent ticks: %w", err)
	}
	if len(recent) < p.windowTicks {
		// Window not yet full: the predicate evaluates false.
		return false, Observation{}, nil
	}

	// RecentTicks returns newest-first.
	current := recent[0].Price
	oldest := recent[len(recent)-1].Price
	if oldest.IsZero() {
		return false, Observation{}, nil
	}
	pctChange := current.Sub(oldest).Div(oldest).Mul(decimal.NewFromInt(100)).Abs()

	return true, Observation{StateKey: feedID, Value: pctChange, Direction: Above}, nil
}

// liquidationPredicate implements the FAsset LiquidationStarted row:
// {min_cr?, max_cr?}. Both bounds are optional; a liquidation event is
// relevant when its reported collateral ratio falls within [min_cr, max_cr].
type liquidationPredicate struct {
	minCR *decimal.Decimal
	maxCR *decimal.Decimal
}

func parseLiquidationPredicate(cfg map[string]any) (Predicate, error) {
	var p liquidationPredicate
	if raw, ok := cfg["min_cr"]; ok {
		v, err := decimalFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("alert: liquidation predicate: min_cr: %w", err)
		}
		p.minCR = &v
	}
	if raw, ok := cfg["max_cr"]; ok {
		v, err := decimalFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("alert: liquidation predicate: max_cr: %w", err)
		}
		p.maxCR = &v
	}
	return p, nil
}

func (p liquidationPredicate) Evaluate(_ context.Context, _ TickLookup, e model.IndexedEvent) (bool, Observation, error) {
	ratioStr, _ := e.DecodedData["collateral_ratio"].(string)
	ratio, err := decimal.NewFromString(ratioStr)
	if err != nil {
		return false, Observation{}, fmt.Errorf("alert: liquidation predicate: parse collateral_ratio %q: %w", ratioStr, err)
	}
	if p.minCR != nil && ratio.LessThan(*p.minCR) {
		return false, Observation{}, nil
	}
	if p.maxCR != nil && ratio.GreaterThan(*p.maxCR) {
		return false, Observation{}, nil
	}
	agent, _ := e.DecodedData["agent"].(string)
	return true, Observation{StateKey: agent, Occurrence: true}, nil
}

// collateralPredicate implements the FAsset CollateralDeposited/Withdrawn
// row: {min_amount?}.
type collateralPredicate struct {
	minAmount *decimal.Decimal
}

func parseCollateralPredicate(cfg map[string]any) (Predicate, error) {
	var p collateralPredicate
	if raw, ok := cfg["min_amount"]; ok {
		v, err := decimalFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("alert: collateral predicate: min_amount: %w", err)
		}
		p.minAmount = &v
	}
	return p, nil
}

func (p collateralPredicate) Evaluate(_ context.Context, _ TickLookup, e model.IndexedEvent) (bool, Observation, error) {
	amountStr, _ := e.DecodedData["amount"].(string)
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return false, Observation{}, fmt.Errorf("alert: collateral predicate: parse amount %q: %w", amountStr, err)
	}
	if p.minAmount != nil && amount.LessThan(*p.minAmount) {
		return false, Observation{}, nil
	}
	agent, _ := e.DecodedData["agent"].(string)
	return true, Observation{StateKey: agent, Occurrence: true}, nil
}

func decimalFromAny(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func intFromAny(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}
