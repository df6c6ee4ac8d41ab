// Package venues connects the settlement venues a service file configures.
package venues

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/adapter/evm"
	"github.com/marko911/bullion-redeem/internal/adapter/permissioned"
	"github.com/marko911/bullion-redeem/internal/adapter/solana"
	"github.com/marko911/bullion-redeem/internal/config"
)

// Build connects every venue the service file configures. The
// returned func closes their connections.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*adapter.Registry, func(), error) {
	registry := adapter.NewRegistry()
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if c := cfg.Venues.EVM; c != nil {
		client := evm.NewClient(&c.RPC, logger)
		if err := client.Connect(ctx, c.RPC.URL); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("evm: connect: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })

		venue, err := evm.New(c.Config, client, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		registry.Register(venue)
		logger.Info("venue configured", "venue", venue.Venue(), "network", c.Network, "chain_id", c.ChainID, "contract", c.Contract)
	}

	if c := cfg.Venues.Solana; c != nil {
		venue, err := solana.New(*c, nil, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		registry.Register(venue)
		logger.Info("venue configured", "venue", venue.Venue(), "endpoint", c.Endpoint, "program", c.ProgramID)
	}

	if c := cfg.Venues.Permissioned; c != nil {
		gw, err := permissioned.Connect(*c)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, gw.Close)

		venue := permissioned.New(gw.Contract(), c.Decimals, logger)
		registry.Register(venue)
		logger.Info("venue configured", "venue", venue.Venue(), "channel", c.Channel, "chaincode", c.Chaincode)
	}

	if len(registry.Venues()) == 0 {
		logger.Warn("no venues configured; every redemption will be rejected as venue unavailable")
	}
	return registry, closeAll, nil
}
