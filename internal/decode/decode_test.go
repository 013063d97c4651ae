package decode

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flareemissary/emissary/internal/model"
)

func feedIDBytes(symbol string) [21]byte {
	var raw [21]byte
	raw[0] = 0x01 // category byte
	copy(raw[1:], symbol)
	return raw
}

func logWith(topic0 string, data []byte) types.Log {
	return types.Log{
		Address: common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Topics:  []common.Hash{common.HexToHash(topic0)},
		Data:    data,
		TxHash:  common.HexToHash("0xfeed"),
		Index:   3,
	}
}

func TestDecodePriceEpochFinalized(t *testing.T) {
	data, err := priceEpochFinalizedArgs.Pack(
		feedIDBytes("FLR/USD"),
		uint32(42),
		big.NewInt(6120),
		int8(5),
	)
	require.NoError(t, err)

	eventType, payload, err := decodePriceEpochFinalized(logWith(topicPriceEpochFinalized, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFtsoPriceEpochFinalized, eventType)
	assert.Equal(t, "FLR/USD", payload["feed_id"])
	assert.Equal(t, "0.0612", payload["price"])
	assert.Equal(t, int8(5), payload["decimals"])
	assert.Equal(t, uint32(42), payload["epoch_id"])
}

func TestDecodePriceEpochFinalizedCanonicalJSON(t *testing.T) {
	data, err := priceEpochFinalizedArgs.Pack(
		feedIDBytes("BTC/USD"),
		uint32(7),
		big.NewInt(97123450000),
		int8(6),
	)
	require.NoError(t, err)

	_, payload, err := decodePriceEpochFinalized(logWith(topicPriceEpochFinalized, data))
	require.NoError(t, err)

	// The payload must survive a JSON round trip with stable field names
	// and the price carried as a decimal string.
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var roundTripped map[string]any
	require.NoError(t, json.Unmarshal(raw, &roundTripped))

	assert.Equal(t, "BTC/USD", roundTripped["feed_id"])
	assert.Equal(t, "97123.45", roundTripped["price"])
	assert.Equal(t, float64(6), roundTripped["decimals"])
	assert.Equal(t, float64(7), roundTripped["epoch_id"])
}

func TestDecodeVotePowerChanged(t *testing.T) {
	provider := common.HexToAddress("0x2000000000000000000000000000000000000002")
	data, err := votePowerChangedArgs.Pack(provider, big.NewInt(100), big.NewInt(250))
	require.NoError(t, err)

	eventType, payload, err := decodeVotePowerChanged(logWith(topicVotePowerChanged, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFtsoVotePowerChanged, eventType)
	assert.Equal(t, provider, payload["provider"])
	assert.Equal(t, "100", payload["old_power"])
	assert.Equal(t, "250", payload["new_power"])
}

func TestDecodeRewardEpochStarted(t *testing.T) {
	data, err := rewardEpochStartedArgs.Pack(big.NewInt(9), big.NewInt(1700000000))
	require.NoError(t, err)

	eventType, payload, err := decodeRewardEpochStarted(logWith(topicRewardEpochStarted, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFtsoRewardEpochStarted, eventType)
	assert.Equal(t, "1700000000", payload["start_ts"])
}

func TestDecodeAttestationRequested(t *testing.T) {
	var requestID [32]byte
	requestID[31] = 0xab
	data, err := attestationRequestedArgs.Pack(requestID, "BTC", "Payment", []byte{0xde, 0xad})
	require.NoError(t, err)

	eventType, payload, err := decodeAttestationRequested(logWith(topicAttestationRequested, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFdcAttestationRequested, eventType)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000ab", payload["request_id"])
	assert.Equal(t, "BTC", payload["source_chain"])
	assert.Equal(t, "Payment", payload["attestation_type"])
	assert.Equal(t, "0xdead", payload["request_body"])
}

func TestDecodeRoundFinalized(t *testing.T) {
	var root [32]byte
	root[0] = 0xff
	data, err := roundFinalizedArgs.Pack(big.NewInt(55), root)
	require.NoError(t, err)

	eventType, payload, err := decodeRoundFinalized(logWith(topicRoundFinalized, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFdcRoundFinalized, eventType)
	assert.Equal(t, "55", payload["round_id"])
	assert.Equal(t, "0xff00000000000000000000000000000000000000000000000000000000000000", payload["merkle_root"])
}

func TestDecodeCollateralEvents(t *testing.T) {
	agent := common.HexToAddress("0x3000000000000000000000000000000000000003")
	data, err := collateralArgs.Pack(agent, big.NewInt(5000), big.NewInt(125000))
	require.NoError(t, err)

	dec := collateralDecoder(model.EventFAssetCollateralDeposited)
	eventType, payload, err := dec(logWith(topicCollateralDeposited, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFAssetCollateralDeposited, eventType)
	assert.Equal(t, agent, payload["agent"])
	assert.Equal(t, "5000", payload["amount"])
	assert.Equal(t, "125000", payload["new_balance"])

	dec = collateralDecoder(model.EventFAssetCollateralWithdrawn)
	eventType, _, err = dec(logWith(topicCollateralWithdrawn, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFAssetCollateralWithdrawn, eventType)
}

func TestDecodeMintingExecuted(t *testing.T) {
	agent := common.HexToAddress("0x3000000000000000000000000000000000000003")
	minter := common.HexToAddress("0x4000000000000000000000000000000000000004")
	data, err := mintingExecutedArgs.Pack(agent, minter, big.NewInt(777), "FXRP")
	require.NoError(t, err)

	eventType, payload, err := decodeMintingExecuted(logWith(topicMintingExecuted, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFAssetMintingExecuted, eventType)
	assert.Equal(t, minter, payload["minter"])
	assert.Equal(t, "777", payload["amount"])
	assert.Equal(t, "FXRP", payload["asset"])
}

func TestDecodeLiquidationStartedScalesBasisPoints(t *testing.T) {
	agent := common.HexToAddress("0x3000000000000000000000000000000000000003")
	data, err := liquidationStartedArgs.Pack(agent, big.NewInt(13500))
	require.NoError(t, err)

	eventType, payload, err := decodeLiquidationStarted(logWith(topicLiquidationStarted, data))
	require.NoError(t, err)
	assert.Equal(t, model.EventFAssetLiquidationStarted, eventType)
	assert.Equal(t, "1.35", payload["collateral_ratio"])
}

func TestRegistryDispatchesByTopic(t *testing.T) {
	r := NewRegistry()

	data, err := liquidationStartedArgs.Pack(common.HexToAddress("0x3"), big.NewInt(12000))
	require.NoError(t, err)

	eventType, payload, ok, err := r.Decode(logWith(topicLiquidationStarted, data))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.EventFAssetLiquidationStarted, eventType)
	assert.Equal(t, "1.2", payload["collateral_ratio"])
}

func TestRegistryAddressSpecificOverridesWildcard(t *testing.T) {
	r := NewRegistry()
	addr := "0x1000000000000000000000000000000000000001"
	r.Register(addr, topicLiquidationStarted, func(types.Log) (model.EventType, map[string]any, error) {
		return model.EventGeneric, map[string]any{"override": true}, nil
	})

	data, err := liquidationStartedArgs.Pack(common.HexToAddress("0x3"), big.NewInt(12000))
	require.NoError(t, err)

	eventType, payload, ok, err := r.Decode(logWith(topicLiquidationStarted, data))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.EventGeneric, eventType)
	assert.Equal(t, true, payload["override"])
}

func TestRegistryDropsUnknownLogs(t *testing.T) {
	r := NewRegistry()

	_, _, ok, err := r.Decode(logWith("0x1234", nil))
	require.NoError(t, err)
	assert.False(t, ok)

	// No topics at all.
	_, _, ok, err = r.Decode(types.Log{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryGenericOptIn(t *testing.T) {
	r := NewRegistry()
	l := logWith("0x1234", []byte{0xaa, 0xbb})
	r.EnableGeneric(l.Address.Hex())

	eventType, payload, ok, err := r.Decode(l)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.EventGeneric, eventType)
	assert.Equal(t, "0xaabb", payload["data"])
	topics := payload["topics"].([]string)
	require.Len(t, topics, 1)
}

func TestRegistryMalformedPayloadReturnsDecodeError(t *testing.T) {
	r := NewRegistry()

	// Topic matches PriceEpochFinalized but the data is truncated.
	_, _, ok, err := r.Decode(logWith(topicPriceEpochFinalized, []byte{0x01, 0x02}))
	require.True(t, ok)
	require.Error(t, err)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, 3, decErr.LogIndex)
}
