// Package decode turns raw EVM logs into the protocol-specific payload
// shapes the rest of the pipeline persists and matches against.
package decode

import (
	"strings"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/flareemissary/emissary/internal/model"
)

// Decoder is a pure function from a raw log to a decoded event. It returns
// a non-nil error when the payload didn't parse; Registry.Decode wraps that
// error in a *DecodeError carrying the log's coordinates.
type Decoder func(log types.Log) (eventType model.EventType, payload map[string]any, err error)

type registryKey struct {
	address string // lowercased hex, empty for a wildcard entry
	topic0  string // lowercased hex
}

// Registry dispatches a log to a decoder by (address, topic0), falling
// back to a per-protocol wildcard keyed by topic0 alone, and finally to an
// opt-in Generic decoder for addresses explicitly enrolled for it.
type Registry struct {
	byKey           map[registryKey]Decoder
	genericEnabled  map[string]bool // lowercased address -> opted into Generic decoding
}

// NewRegistry builds a registry pre-populated with the FTSO, FDC, and
// FAsset protocol decoders, registered as wildcards (address-agnostic,
// topic0-only) since the exact deployed contract addresses are operator
// configuration, not compile-time constants.
func NewRegistry() *Registry {
	r := &Registry{
		byKey:          make(map[registryKey]Decoder),
		genericEnabled: make(map[string]bool),
	}
	for topic, dec := range ftsoDecoders() {
		r.RegisterWildcard(topic, dec)
	}
	for topic, dec := range fdcDecoders() {
		r.RegisterWildcard(topic, dec)
	}
	for topic, dec := range fassetDecoders() {
		r.RegisterWildcard(topic, dec)
	}
	return r
}

// Register binds a decoder to a specific (contract address, topic0) pair,
// taking precedence over any wildcard registered for the same topic0.
func (r *Registry) Register(address string, topic0 string, dec Decoder) {
	r.byKey[registryKey{address: strings.ToLower(address), topic0: strings.ToLower(topic0)}] = dec
}

// RegisterWildcard binds a decoder to a topic0 regardless of contract
// address.
func (r *Registry) RegisterWildcard(topic0 string, dec Decoder) {
	r.byKey[registryKey{topic0: strings.ToLower(topic0)}] = dec
}

// EnableGeneric opts an address into the Generic (topic-only) decoder for
// any log whose topic0 has no registered protocol decoder.
func (r *Registry) EnableGeneric(address string) {
	r.genericEnabled[strings.ToLower(address)] = true
}

// Decode dispatches log to the matching decoder. It returns ok=false (with
// a nil error) when no decoder claims the log — the caller drops it
// silently; unknown logs produce no decoded event.
func (r *Registry) Decode(log types.Log) (eventType model.EventType, payload map[string]any, ok bool, err error) {
	if len(log.Topics) == 0 {
		return "", nil, false, nil
	}
	addr := strings.ToLower(log.Address.Hex())
	topic0 := strings.ToLower(log.Topics[0].Hex())

	dec, found := r.byKey[registryKey{address: addr, topic0: topic0}]
	if !found {
		dec, found = r.byKey[registryKey{topic0: topic0}]
	}
	if found {
		et, p, decErr := dec(log)
		if decErr != nil {
			return "", nil, true, &DecodeError{
				TxHash:   log.TxHash.Hex(),
				LogIndex: int(log.Index),
				Err:      decErr,
			}
		}
		return et, p, true, nil
	}

	if r.genericEnabled[addr] {
		et, p, _ := genericDecode(log)
		return et, p, true, nil
	}

	return "", nil, false, nil
}
