package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var errNotConnected = errors.New("not connected")

// Backend is the slice of the JSON-RPC API the venue needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// HeadSubscriber is implemented by backends that can stream new heads.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Client is a reconnect-aware ethclient wrapper implementing Backend.
type Client struct {
	cfg    *RPCConfig
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	isWS      bool
}

func NewClient(cfg *RPCConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "evm-client"),
	}
}

// Connect dials the endpoint, retrying up to MaxRetries times.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isWS = strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")

	c.logger.Info("connecting to RPC", "url", url, "is_websocket", c.isWS)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		c.rpcClient, err = rpc.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}

		c.client = ethclient.NewClient(c.rpcClient)
		if _, err = c.client.ChainID(ctx); err != nil {
			c.logger.Warn("chain ID check failed", "error", err)
			c.client.Close()
			c.client = nil
			continue
		}

		c.logger.Info("connected successfully")
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, block)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, err := c.eth()
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, txHash)
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.RLock()
	client := c.client
	isWS := c.isWS
	c.mu.RUnlock()

	if client == nil {
		return nil, errNotConnected
	}
	if !isWS {
		return nil, fmt.Errorf("subscriptions require WebSocket connection")
	}
	return client.SubscribeNewHead(ctx, ch)
}
