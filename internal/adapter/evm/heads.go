package evm

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"
)

// watchHeads turns a new-head subscription into a coalescing wake channel.
// It returns nil when the backend cannot subscribe, leaving callers to poll.
func watchHeads(ctx context.Context, hs HeadSubscriber, logger *slog.Logger) <-chan struct{} {
	headerCh := make(chan *types.Header, 16)
	sub, err := hs.SubscribeNewHead(ctx, headerCh)
	if err != nil {
		logger.Debug("new-head subscription unavailable, polling only", "error", err)
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return

			case err := <-sub.Err():
				if err != nil {
					logger.Warn("new-head subscription ended", "error", err)
				}
				return

			case header := <-headerCh:
				logger.Debug("new head", "block", header.Number.Uint64())
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake
}
