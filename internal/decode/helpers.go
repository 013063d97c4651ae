package decode

import "github.com/ethereum/go-ethereum/accounts/abi"

// mustType parses a Solidity type string. Panics on error, which only
// happens for a typo in one of this package's own ABI declarations —
// a programmer error caught at init time, not a runtime condition.
func mustType(solidityType string) abi.Type {
	t, err := abi.NewType(solidityType, "", nil)
	if err != nil {
		panic("decode: invalid abi type " + solidityType + ": " + err.Error())
	}
	return t
}

func mustArguments(args ...abi.Argument) abi.Arguments {
	return abi.Arguments(args)
}
