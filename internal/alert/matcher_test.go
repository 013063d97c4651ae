package alert

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flareemissary/emissary/internal/model"
)

type fakeEventLoader struct {
	events map[int64]model.IndexedEvent
}

func (f fakeEventLoader) EventByID(_ context.Context, id int64) (model.IndexedEvent, error) {
	e, ok := f.events[id]
	if !ok {
		return model.IndexedEvent{}, assert.AnError
	}
	return e, nil
}

type fakeSubLookup struct {
	subs []model.Subscription
}

func (f fakeSubLookup) ActiveSubscriptionsFor(_ context.Context, address, chain string, eventType model.EventType) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, s := range f.subs {
		if s.Address == address && (s.EventType == eventType || s.EventType == model.EventAny) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestMatcherFiresForMatchingCandidate(t *testing.T) {
	subID := uuid.New()
	sub := model.Subscription{
		ID:              subID,
		ChannelID:       uuid.New(),
		Address:         "0xabc",
		EventType:       model.EventFAssetLiquidationStarted,
		ThresholdConfig: map[string]any{"min_cr": "1.0"},
		Active:          true,
	}
	event := model.IndexedEvent{
		ID:        42,
		Address:   "0xabc",
		EventType: model.EventFAssetLiquidationStarted,
		DecodedData: map[string]any{
			"agent": "0xabc", "collateral_ratio": "1.2",
		},
	}

	events := fakeEventLoader{events: map[int64]model.IndexedEvent{42: event}}
	subs := fakeSubLookup{subs: []model.Subscription{sub}}
	store := newFakeStateStore()
	engine := NewEngine(store, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewMatcher(events, subs, fakeTickLookup{}, engine, nil, logger)
	err := m.MatchEvent(context.Background(), 42)
	require.NoError(t, err)

	state, ok, err := store.GetHysteresisState(context.Background(), subID, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, state.LastFireAt)
}

func TestMatcherSkipsReorgedEvent(t *testing.T) {
	event := model.IndexedEvent{ID: 7, IsReorged: true}
	events := fakeEventLoader{events: map[int64]model.IndexedEvent{7: event}}
	subs := fakeSubLookup{}
	engine := NewEngine(newFakeStateStore(), nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewMatcher(events, subs, fakeTickLookup{}, engine, nil, logger)
	err := m.MatchEvent(context.Background(), 7)
	require.NoError(t, err)
}

func TestMatcherCachesPredicateAcrossEvents(t *testing.T) {
	subID := uuid.New()
	sub := model.Subscription{
		ID:              subID,
		ChannelID:       uuid.New(),
		Address:         "0xabc",
		EventType:       model.EventFAssetCollateralDeposited,
		ThresholdConfig: map[string]any{"min_amount": "10"},
		Active:          true,
	}
	events := fakeEventLoader{events: map[int64]model.IndexedEvent{}}
	subs := fakeSubLookup{subs: []model.Subscription{sub}}
	engine := NewEngine(newFakeStateStore(), nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewMatcher(events, subs, fakeTickLookup{}, engine, nil, logger)
	first, err := m.predicateFor(sub)
	require.NoError(t, err)
	second, err := m.predicateFor(sub)
	require.NoError(t, err)

	_, ok := first.(collateralPredicate)
	assert.True(t, ok)
	_, ok = second.(collateralPredicate)
	assert.True(t, ok)

	m.Forget(subID)
	m.mu.Lock()
	_, cached := m.predicates[subID]
	m.mu.Unlock()
	assert.False(t, cached)
}
