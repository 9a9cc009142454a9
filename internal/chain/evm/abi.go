package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultStakingPrecompile = "0x0000000000000000000000000000000000000805"
	DefaultAlphaPrecompile   = "0x0000000000000000000000000000000000000808"
)

const stakingABIJSON = `[
  {"type":"function","name":"addStake","stateMutability":"payable","inputs":[{"name":"hotkey","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"netuid","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"removeStake","stateMutability":"nonpayable","inputs":[{"name":"hotkey","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"netuid","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getStake","stateMutability":"view","inputs":[{"name":"hotkey","type":"bytes32"},{"name":"coldkey","type":"bytes32"},{"name":"netuid","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const alphaABIJSON = `[
  {"type":"function","name":"getAlphaPrice","stateMutability":"view","inputs":[{"name":"netuid","type":"uint16"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	stakingABI = mustABI(stakingABIJSON)
	alphaABI   = mustABI(alphaABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func parseAddress(v, fallback string) common.Address {
	v = strings.TrimSpace(v)
	if v == "" || !common.IsHexAddress(v) {
		v = fallback
	}
	return common.HexToAddress(v)
}
