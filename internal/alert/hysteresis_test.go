package alert

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flareemissary/emissary/internal/model"
)

type fakeStateStore struct {
	states map[string]model.HysteresisState
	alerts map[string]uuid.UUID // subscription_id:event_id -> alert id
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		states: make(map[string]model.HysteresisState),
		alerts: make(map[string]uuid.UUID),
	}
}

func (f *fakeStateStore) GetHysteresisState(_ context.Context, subID uuid.UUID, stateKey string) (model.HysteresisState, bool, error) {
	s, ok := f.states[cacheKey(subID, stateKey)]
	return s, ok, nil
}

func (f *fakeStateStore) UpsertHysteresisState(_ context.Context, s model.HysteresisState) error {
	f.states[cacheKey(s.SubscriptionID, s.StateKey)] = s
	return nil
}

func (f *fakeStateStore) CreateAlert(_ context.Context, a model.Alert, _ uuid.UUID) (uuid.UUID, bool, error) {
	alertKey := a.SubscriptionID.String() + ":" + itoa64(a.EventID)
	if existing, ok := f.alerts[alertKey]; ok {
		return existing, false, nil
	}
	id := uuid.New()
	f.alerts[alertKey] = id
	return id, true, nil
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestHysteresisOccurrenceFiresOnceThenCoolsDown(t *testing.T) {
	store := newFakeStateStore()
	eng := NewEngine(store, nil)
	sub := model.Subscription{ID: uuid.New(), ChannelID: uuid.New(), ThresholdConfig: map[string]any{"cooldown_seconds": float64(60)}}
	event := model.IndexedEvent{ID: 1, EventType: model.EventFAssetLiquidationStarted, Address: "0xabc"}
	obs := Observation{StateKey: "0xabc", Occurrence: true}

	now := time.Now()
	fire, err := eng.Evaluate(context.Background(), sub, obs, event, now)
	require.NoError(t, err)
	assert.True(t, fire.Created)
	assert.Equal(t, model.SeverityCritical, fire.Severity)

	event2 := model.IndexedEvent{ID: 2, EventType: model.EventFAssetLiquidationStarted, Address: "0xabc"}
	fire, err = eng.Evaluate(context.Background(), sub, obs, event2, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, fire.Created, "second occurrence within cooldown must not fire")

	fire, err = eng.Evaluate(context.Background(), sub, obs, event2, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, fire.Created, "occurrence after cooldown expiry should fire")
}

func TestHysteresisContinuousEnterExitRecovery(t *testing.T) {
	store := newFakeStateStore()
	eng := NewEngine(store, nil)
	sub := model.Subscription{
		ID:        uuid.New(),
		ChannelID: uuid.New(),
		ThresholdConfig: map[string]any{
			"enter": "0.10", "exit": "0.08", "edge": "both", "cooldown_seconds": float64(0),
		},
	}

	now := time.Now()
	enterObs := Observation{StateKey: "FLR/USD", Value: decimal.NewFromFloat(0.11), Direction: Above}
	event1 := model.IndexedEvent{ID: 1, EventType: model.EventFtsoPriceEpochFinalized}
	fire, err := eng.Evaluate(context.Background(), sub, enterObs, event1, now)
	require.NoError(t, err)
	assert.True(t, fire.Created)

	// Still above exit threshold: no change.
	midObs := Observation{StateKey: "FLR/USD", Value: decimal.NewFromFloat(0.09), Direction: Above}
	event2 := model.IndexedEvent{ID: 2, EventType: model.EventFtsoPriceEpochFinalized}
	fire, err = eng.Evaluate(context.Background(), sub, midObs, event2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fire.Created)

	// Drops below exit: recovery fires because edge=both.
	recoverObs := Observation{StateKey: "FLR/USD", Value: decimal.NewFromFloat(0.07), Direction: Above}
	event3 := model.IndexedEvent{ID: 3, EventType: model.EventFtsoPriceEpochFinalized}
	fire, err = eng.Evaluate(context.Background(), sub, recoverObs, event3, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, fire.Created)
	assert.Equal(t, model.SeverityInfo, fire.Severity)

	state, ok, err := store.GetHysteresisState(context.Background(), sub.ID, "FLR/USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, state.InAlert)
}

func TestHysteresisContinuousEnterOnlyEdgeSkipsRecoveryAlert(t *testing.T) {
	store := newFakeStateStore()
	eng := NewEngine(store, nil)
	sub := model.Subscription{
		ID:        uuid.New(),
		ChannelID: uuid.New(),
		ThresholdConfig: map[string]any{"enter": "0.10", "exit": "0.08", "cooldown_seconds": float64(0)},
	}

	now := time.Now()
	enterObs := Observation{StateKey: "FLR/USD", Value: decimal.NewFromFloat(0.11), Direction: Above}
	event1 := model.IndexedEvent{ID: 1, EventType: model.EventFtsoPriceEpochFinalized}
	fire, err := eng.Evaluate(context.Background(), sub, enterObs, event1, now)
	require.NoError(t, err)
	assert.True(t, fire.Created)

	recoverObs := Observation{StateKey: "FLR/USD", Value: decimal.NewFromFloat(0.07), Direction: Above}
	event2 := model.IndexedEvent{ID: 2, EventType: model.EventFtsoPriceEpochFinalized}
	fire, err = eng.Evaluate(context.Background(), sub, recoverObs, event2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fire.Created, "enter_only edge must not fire a recovery alert")
}
