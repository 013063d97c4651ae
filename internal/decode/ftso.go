package decode

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/flareemissary/emissary/internal/model"
)

// Event signatures are the FTSO v2 System Contracts' documented event
// shapes; topic0 is keccak256 of the canonical signature string, same as
// every Solidity log.
var (
	topicPriceEpochFinalized = crypto.Keccak256Hash([]byte("PriceEpochFinalized(bytes21,uint32,uint256,int8)")).Hex()
	topicVotePowerChanged    = crypto.Keccak256Hash([]byte("VotePowerChanged(address,uint256,uint256)")).Hex()
	topicRewardEpochStarted  = crypto.Keccak256Hash([]byte("RewardEpochStarted(uint24,uint256)")).Hex()
)

func ftsoDecoders() map[string]Decoder {
	return map[string]Decoder{
		topicPriceEpochFinalized: decodePriceEpochFinalized,
		topicVotePowerChanged:    decodeVotePowerChanged,
		topicRewardEpochStarted:  decodeRewardEpochStarted,
	}
}

var priceEpochFinalizedArgs = mustArguments(
	abi.Argument{Name: "feedId", Type: mustType("bytes21")},
	abi.Argument{Name: "epochId", Type: mustType("uint32")},
	abi.Argument{Name: "price", Type: mustType("uint256")},
	abi.Argument{Name: "decimals", Type: mustType("int8")},
)

func decodePriceEpochFinalized(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := priceEpochFinalizedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack PriceEpochFinalized: %w", err)
	}
	feedID, ok := vals[0].([21]byte)
	if !ok {
		return "", nil, fmt.Errorf("unexpected feedId type %T", vals[0])
	}
	epochID, ok := vals[1].(uint32)
	if !ok {
		return "", nil, fmt.Errorf("unexpected epochId type %T", vals[1])
	}
	rawPrice, ok := vals[2].(*big.Int)
	if !ok {
		return "", nil, fmt.Errorf("unexpected price type %T", vals[2])
	}
	decimals, ok := vals[3].(int8)
	if !ok {
		return "", nil, fmt.Errorf("unexpected decimals type %T", vals[3])
	}

	price := decimal.NewFromBigInt(rawPrice, -int32(decimals))

	return model.EventFtsoPriceEpochFinalized, map[string]any{
		"feed_id":  decodeFeedID(feedID),
		"price":    price.String(),
		"decimals": decimals,
		"epoch_id": epochID,
	}, nil
}

var votePowerChangedArgs = mustArguments(
	abi.Argument{Name: "provider", Type: mustType("address")},
	abi.Argument{Name: "oldPower", Type: mustType("uint256")},
	abi.Argument{Name: "newPower", Type: mustType("uint256")},
)

func decodeVotePowerChanged(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := votePowerChangedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack VotePowerChanged: %w", err)
	}
	return model.EventFtsoVotePowerChanged, map[string]any{
		"provider":  vals[0],
		"old_power": vals[1].(*big.Int).String(),
		"new_power": vals[2].(*big.Int).String(),
	}, nil
}

var rewardEpochStartedArgs = mustArguments(
	abi.Argument{Name: "epochId", Type: mustType("uint24")},
	abi.Argument{Name: "startTs", Type: mustType("uint256")},
)

func decodeRewardEpochStarted(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := rewardEpochStartedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack RewardEpochStarted: %w", err)
	}
	return model.EventFtsoRewardEpochStarted, map[string]any{
		"epoch_id": vals[0],
		"start_ts": vals[1].(*big.Int).String(),
	}, nil
}

// decodeFeedID renders a feed's 21-byte category+symbol identifier as the
// trimmed ASCII string subscriptions key off (e.g. "FLR/USD"), dropping
// the leading category byte and trailing zero padding.
func decodeFeedID(raw [21]byte) string {
	end := len(raw)
	for end > 1 && raw[end-1] == 0 {
		end--
	}
	return string(raw[1:end])
}
