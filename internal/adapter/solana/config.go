// Package solana settles redemptions through the bullion redemption program.
package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Config holds the Solana venue settings.
type Config struct {
	// RPC endpoint
	Endpoint string `yaml:"endpoint"`

	// ProgramID is the redemption program.
	ProgramID string `yaml:"program_id"`

	// Token mints per asset
	GoldMint   string `yaml:"gold_mint"`
	SilverMint string `yaml:"silver_mint"`

	// OperatorKey signs cancellations (base58).
	OperatorKey string `yaml:"operator_key"`

	// SkipPreflight disables simulation before send.
	SkipPreflight bool `yaml:"skip_preflight"`
}

type programKeys struct {
	program    solana.PublicKey
	goldMint   solana.PublicKey
	silverMint solana.PublicKey
	operator   solana.PrivateKey
}

func (c Config) parse() (programKeys, error) {
	var k programKeys
	var err error
	if c.Endpoint == "" {
		return k, fmt.Errorf("solana: endpoint is required")
	}
	if k.program, err = solana.PublicKeyFromBase58(c.ProgramID); err != nil {
		return k, fmt.Errorf("solana: program id: %w", err)
	}
	if k.goldMint, err = solana.PublicKeyFromBase58(c.GoldMint); err != nil {
		return k, fmt.Errorf("solana: gold mint: %w", err)
	}
	if k.silverMint, err = solana.PublicKeyFromBase58(c.SilverMint); err != nil {
		return k, fmt.Errorf("solana: silver mint: %w", err)
	}
	if k.operator, err = solana.PrivateKeyFromBase58(c.OperatorKey); err != nil {
		return k, fmt.Errorf("solana: operator key: %w", err)
	}
	return k, nil
}
