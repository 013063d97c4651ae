package decode

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/flareemissary/emissary/internal/model"
)

var (
	topicAttestationRequested = crypto.Keccak256Hash([]byte("AttestationRequested(bytes32,string,string,bytes)")).Hex()
	topicAttestationProved    = crypto.Keccak256Hash([]byte("AttestationProved(bytes32,uint256)")).Hex()
	topicRoundFinalized       = crypto.Keccak256Hash([]byte("RoundFinalized(uint256,bytes32)")).Hex()
)

func fdcDecoders() map[string]Decoder {
	return map[string]Decoder{
		topicAttestationRequested: decodeAttestationRequested,
		topicAttestationProved:    decodeAttestationProved,
		topicRoundFinalized:       decodeRoundFinalized,
	}
}

var attestationRequestedArgs = mustArguments(
	abi.Argument{Name: "requestId", Type: mustType("bytes32")},
	abi.Argument{Name: "sourceChain", Type: mustType("string")},
	abi.Argument{Name: "attestationType", Type: mustType("string")},
	abi.Argument{Name: "requestBody", Type: mustType("bytes")},
)

func decodeAttestationRequested(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := attestationRequestedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack AttestationRequested: %w", err)
	}
	requestID, ok := vals[0].([32]byte)
	if !ok {
		return "", nil, fmt.Errorf("unexpected requestId type %T", vals[0])
	}
	body, ok := vals[3].([]byte)
	if !ok {
		return "", nil, fmt.Errorf("unexpected requestBody type %T", vals[3])
	}
	return model.EventFdcAttestationRequested, map[string]any{
		"request_id":       fmt.Sprintf("0x%x", requestID),
		"source_chain":     vals[1],
		"attestation_type": vals[2],
		"request_body":     fmt.Sprintf("0x%x", body),
	}, nil
}

var attestationProvedArgs = mustArguments(
	abi.Argument{Name: "requestId", Type: mustType("bytes32")},
	abi.Argument{Name: "roundId", Type: mustType("uint256")},
)

func decodeAttestationProved(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := attestationProvedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack AttestationProved: %w", err)
	}
	requestID, ok := vals[0].([32]byte)
	if !ok {
		return "", nil, fmt.Errorf("unexpected requestId type %T", vals[0])
	}
	return model.EventFdcAttestationProved, map[string]any{
		"request_id": fmt.Sprintf("0x%x", requestID),
		"round_id":   vals[1].(*big.Int).String(),
	}, nil
}

var roundFinalizedArgs = mustArguments(
	abi.Argument{Name: "roundId", Type: mustType("uint256")},
	abi.Argument{Name: "merkleRoot", Type: mustType("bytes32")},
)

func decodeRoundFinalized(log types.Log) (model.EventType, map[string]any, error) {
	vals, err := roundFinalizedArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("unpack RoundFinalized: %w", err)
	}
	merkleRoot, ok := vals[1].([32]byte)
	if !ok {
		return "", nil, fmt.Errorf("unexpected merkleRoot type %T", vals[1])
	}
	return model.EventFdcRoundFinalized, map[string]any{
		"round_id":    vals[0].(*big.Int).String(),
		"merkle_root": fmt.Sprintf("0x%x", merkleRoot),
	}, nil
}
