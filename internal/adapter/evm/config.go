// Package evm settles redemptions on an EVM chain through the bullion
// redemption contract.
package evm

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the configuration for the EVM venue.
type Config struct {
	// ChainID is the numeric chain ID the RPC endpoint must report.
	ChainID uint64 `yaml:"chain_id"`

	// RPC endpoint configuration
	RPC RPCConfig `yaml:"rpc"`

	// Contract is the redemption contract address.
	Contract string `yaml:"contract"`

	// OperatorKey signs cancellations (hex, no 0x prefix required).
	OperatorKey string `yaml:"operator_key"`

	// FinalityDepth is the number of blocks, including the inclusion block,
	// after which a receipt is treated as final.
	FinalityDepth uint64 `yaml:"finality_depth"`

	// GasLimit fixes the gas for contract calls. Zero means estimate.
	GasLimit uint64 `yaml:"gas_limit"`
}

// RPCConfig holds RPC connection settings.
type RPCConfig struct {
	// Primary endpoint URL (http(s) or ws(s))
	URL string `yaml:"url"`

	// WebSocket endpoint URL used for new-head wakeups
	WSURL string `yaml:"ws_url"`

	// Connection timeout
	Timeout time.Duration `yaml:"timeout"`

	// Retry settings
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultConfig returns a Config with the defaults applied.
func DefaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
		FinalityDepth: 12,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = d.RPC.Timeout
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = d.RPC.MaxRetries
	}
	if c.RPC.RetryInterval == 0 {
		c.RPC.RetryInterval = d.RPC.RetryInterval
	}
	if c.FinalityDepth == 0 {
		c.FinalityDepth = d.FinalityDepth
	}
}

// Validate checks the fields needed to submit transactions.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("evm: rpc url is required")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("evm: invalid contract address %q", c.Contract)
	}
	if c.OperatorKey == "" {
		return fmt.Errorf("evm: operator key is required")
	}
	return nil
}
