package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// redemptionABI is the subset of the bullion redemption contract the venue calls.
const redemptionABI = `[
  {"type":"function","name":"requestRedemption","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"uint8"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"requestId","type":"uint256"}]},
  {"type":"function","name":"cancelRedemption","stateMutability":"nonpayable",
   "inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"redemptionCounter","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"paused","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"asset","type":"uint8"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"redemptions","stateMutability":"view",
   "inputs":[{"name":"requestId","type":"uint256"}],
   "outputs":[{"name":"owner","type":"address"},{"name":"asset","type":"uint8"},
              {"name":"amount","type":"uint256"},{"name":"status","type":"uint8"}]},
  {"type":"event","name":"RedemptionRequested","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"owner","type":"address","indexed":true},
             {"name":"asset","type":"uint8","indexed":false},
             {"name":"amount","type":"uint256","indexed":false}]}
]`

// On-chain redemption status codes.
const (
	onchainNone      uint8 = 0
	onchainRequested uint8 = 1
	onchainCancelled uint8 = 2
)

var (
	contractABI              = mustParseABI(redemptionABI)
	redemptionRequestedTopic = contractABI.Events["RedemptionRequested"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse redemption abi: %v", err))
	}
	return parsed
}

type onchainRedemption struct {
	Owner  common.Address
	Asset  uint8
	Amount *big.Int
	Status uint8
}

// requestIDFromLogs returns the id the contract assigned in a
// RedemptionRequested log, or "" when the receipt carries none.
func requestIDFromLogs(contract common.Address, logs []*types.Log) string {
	for _, lg := range logs {
		if lg.Address != contract || len(lg.Topics) < 2 || lg.Topics[0] != redemptionRequestedTopic {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String()
	}
	return ""
}

func redemptionFromOutputs(out []interface{}) (onchainRedemption, error) {
	if len(out) != 4 {
		return onchainRedemption{}, fmt.Errorf("redemptions: %d outputs", len(out))
	}
	owner, ok1 := out[0].(common.Address)
	asset, ok2 := out[1].(uint8)
	amount, ok3 := out[2].(*big.Int)
	status, ok4 := out[3].(uint8)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return onchainRedemption{}, fmt.Errorf("redemptions: unexpected output types")
	}
	return onchainRedemption{Owner: owner, Asset: asset, Amount: amount, Status: status}, nil
}
