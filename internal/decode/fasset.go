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

var (
	topicCollateralDeposited = crypto.Keccak256Hash([]byte("CollateralDeposited(address,uint256,uint256)")).Hex()
	topicCollateralWithdrawn = crypto.Keccak256Hash([]byte("CollateralWithdrawn(address,uint256,uint256)")).Hex()
	topicMintingExecuted     = crypto.Keccak256Hash([]byte("MintingExecuted(address,address,uint256,string)")).Hex()
	topicRedemptionRequested = crypto.Keccak256Hash([]byte("RedemptionRequested(address,address,uint256)")).Hex()
	topicLiquidationStarted  = crypto.Keccak256Hash([]byte("LiquidationStarted(address,uint256)")).Hex()
)

func fassetDecoders() map[string]Decoder {
	return map[string]Decoder{
		topicCollateralDeposited: collateralDecoder(model.EventFAssetCollateralDeposited),
		topicCollateralWithdrawn: collateralDecoder(model.EventFAssetCollateralWithdrawn),
		topicMintingExecuted:     decodeMintingExecuted,
		topicRedemptionRequested: decodeRedemptionRequested,
		topicLiquidationStarted:  decodeLiquidationStarted,
	}
}

var collateralArgs = mustArguments(
	abi.Argument{Name: "agent", Type: mustType("address")},
	abi.Argument{Name: "amount", Type: mustType("uint256")},
	abi.Argument{Name: "newBalance", Type: mustType("uint256")},
)

// collateralDecoder returns a decoder shared by the deposit and withdraw
// events, which carry identical payload shapes and differ only by topic0.
func collateralDecoder(eventType model.EventType) Decoder {
	return func(log types.Log) (model.EventType, map[string]any, error) {
		vals, err := collateralArgs.Unpack(log.Data)
		if err != nil {
			return "", nil, fmt.Errorf("unpack collateral event: %w", err)
		}
		return eventType, map[string]any{
			"agent":       vals[0],
			"amount":      vals[1].(*big.Int).String(),
			"new_balance": vals[2].(*big.Int).String(),
		}, nil
	}
}

var mintingExecutedArgs = mustArguments(
	abi.Argument{Name: "agent", Type: mustType("address")},
	abi.Argument{Name: "minter", Type: mustType("address")},
	abi.Argument{Name: "amount", Type: mustType("uint256")},
	abi.Argument{Name: "asset", Type: mustType("string")},
)

func decodeMintingExecuted(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := mintingExecutedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack MintingExecuted: %w", err)
	}
	return model.EventFAssetMintingExecuted, map[string]any{
		"agent":  vals[0],
		"minter": vals[1],
		"amount": vals[2].(*big.Int).String(),
		"asset":  vals[3],
	}, nil
}

var redemptionRequestedArgs = mustArguments(
	abi.Argument{Name: "agent", Type: mustType("address")},
	abi.Argument{Name: "redeemer", Type: mustType("address")},
	abi.Argument{Name: "amount", Type: mustType("uint256")},
)

func decodeRedemptionRequested(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := redemptionRequestedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack RedemptionRequested: %w", err)
	}
	return model.EventFAssetRedemptionRequested, map[string]any{
		"agent":    vals[0],
		"redeemer": vals[1],
		"amount":   vals[2].(*big.Int).String(),
	}, nil
}

// liquidationStartedArgs encodes collateral_ratio as a fixed-point uint256
// scaled by 1e4 (basis points on the protocol side), converted here to a
// human decimal ratio (e.g. 13500 -> "1.35").
var liquidationStartedArgs = mustArguments(
	abi.Argument{Name: "agent", Type: mustType("address")},
	abi.Argument{Name: "collateralRatioBps", Type: mustType("uint256")},
)

func decodeLiquidationStarted(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := liquidationStartedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack LiquidationStarted: %w", err)
	}
	raw, ok := vals[1].(*big.Int)
	if !ok {
		return "", nil, fmt.Errorf("unexpected collateralRatioBps type %T", vals[1])
	}
	ratio := decimal.NewFromBigInt(raw, -4)
	return model.EventFAssetLiquidationStarted, map[string]any{
		"agent":            vals[0],
		"collateral_ratio": ratio.String(),
	}, nil
}
