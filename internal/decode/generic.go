package decode

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/flareemissary/emissary/internal/model"
)

// genericDecode stores only topics and hex-encoded data, for addresses
// explicitly opted in via Registry.EnableGeneric. It never errors: there
// is no schema to violate.
func genericDecode(log types.Log) (model.EventType, map[string]any, error) {
	topics := make([]string, len(log.Topics))
	for i, t := range log.Topics {
		topics[i] = t.Hex()
	}
	return model.EventGeneric, map[string]any{
		"topics": topics,
		"data":   hexutil.Encode(log.Data),
	}, nil
}
