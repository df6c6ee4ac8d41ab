package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Venue submits redemptions to the EVM redemption contract.
type Venue struct {
	cfg      Config
	backend  Backend
	contract common.Address
	operator *ecdsa.PrivateKey
	logger   *slog.Logger

	// Serializes nonce and counter reads so the predicted request id holds
	// for submissions made by this process. Probe reports the id the
	// contract actually assigned.
	submitMu sync.Mutex

	mu       sync.RWMutex
	chainID  *big.Int
	decimals int32
	haveDec  bool
}

// New creates the EVM venue. The backend is usually a connected *Client.
func New(cfg Config, backend Backend, logger *slog.Logger) (*Venue, error) {
	cfg.ApplyDefaults()
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm: invalid contract address %q", cfg.Contract)
	}
	operator, err := parseKey(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("evm: operator key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := &Venue{
		cfg:      cfg,
		backend:  backend,
		contract: common.HexToAddress(cfg.Contract),
		operator: operator,
		logger:   logger.With("component", "evm-venue"),
	}
	if cfg.ChainID != 0 {
		v.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return v, nil
}

func (v *Venue) Venue() redemption.Venue { return redemption.VenueEVM }

// QueryState reads the redemption counter, token decimals and pause flag.
// The counter holds the id the contract assigns to its next redemption.
func (v *Venue) QueryState(ctx context.Context) (adapter.VenueState, error) {
	counter, err := v.callUint(ctx, "redemptionCounter")
	if err != nil {
		return adapter.VenueState{}, err
	}
	decimals, err := v.tokenDecimals(ctx)
	if err != nil {
		return adapter.VenueState{}, err
	}
	out, err := v.call(ctx, "paused")
	if err != nil {
		return adapter.VenueState{}, err
	}

	return adapter.VenueState{
		NextRequestID: counter.String(),
		Decimals:      decimals,
		Paused:        out[0].(bool),
	}, nil
}

func (v *Venue) SubmitRedemption(ctx context.Context, keys adapter.OwnerKeys, asset redemption.AssetKind, qty decimal.Decimal) (adapter.Submission, error) {
	if !qty.IsPositive() {
		return adapter.Submission{}, redemption.ErrInvalidAmount
	}
	key, err := parseKey(keys.Secret)
	if err != nil {
		return adapter.Submission{}, &redemption.ValidationError{Field: "ownerKeys", Reason: err.Error()}
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if keys.Account != "" && !strings.EqualFold(keys.Account, from.Hex()) {
		return adapter.Submission{}, &redemption.ValidationError{Field: "ownerKeys", Reason: "secret does not match account"}
	}

	v.submitMu.Lock()
	defer v.submitMu.Unlock()

	state, err := v.QueryState(ctx)
	if err != nil {
		return adapter.Submission{}, err
	}
	if state.Paused {
		return adapter.Submission{}, fmt.Errorf("%w: contract paused", redemption.ErrVenueUnavailable)
	}

	amount, err := adapter.ToBaseUnits(qty, state.Decimals)
	if err != nil {
		return adapter.Submission{}, err
	}

	balance, err := v.callUint(ctx, "balanceOf", from, asset.Code())
	if err != nil {
		return adapter.Submission{}, err
	}
	if balance.Cmp(amount) < 0 {
		return adapter.Submission{}, redemption.ErrInsufficientBalance
	}

	data, err := contractABI.Pack("requestRedemption", asset.Code(), amount)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("pack requestRedemption: %w", err)
	}

	hash, err := v.send(ctx, key, data)
	if err != nil {
		return adapter.Submission{}, err
	}

	v.logger.Info("redemption submitted",
		"tx_hash", hash,
		"from", from.Hex(),
		"asset", asset,
		"amount", amount.String(),
		"venue_request_id", state.NextRequestID,
	)
	return adapter.Submission{Handle: hash, VenueRequestID: state.NextRequestID}, nil
}

// SubmitCancellation cancels an open on-chain redemption using the operator key.
func (v *Venue) SubmitCancellation(ctx context.Context, venueRequestID string) (adapter.Submission, error) {
	id, ok := new(big.Int).SetString(venueRequestID, 10)
	if !ok {
		return adapter.Submission{}, redemption.ErrUnknownRequestID
	}

	out, err := v.call(ctx, "redemptions", id)
	if err != nil {
		return adapter.Submission{}, err
	}
	rec, err := redemptionFromOutputs(out)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("decode redemptions: %w", err)
	}
	switch rec.Status {
	case onchainNone:
		return adapter.Submission{}, redemption.ErrUnknownRequestID
	case onchainCancelled:
		return adapter.Submission{}, fmt.Errorf("%w: request %s already cancelled", redemption.ErrVenueRejected, venueRequestID)
	}

	data, err := contractABI.Pack("cancelRedemption", id)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("pack cancelRedemption: %w", err)
	}

	v.submitMu.Lock()
	hash, err := v.send(ctx, v.operator, data)
	v.submitMu.Unlock()
	if err != nil {
		return adapter.Submission{}, err
	}

	v.logger.Info("cancellation submitted", "tx_hash", hash, "venue_request_id", venueRequestID)
	return adapter.Submission{Handle: hash}, nil
}

// Probe reports a receipt as final once it is FinalityDepth blocks deep.
func (v *Venue) Probe(ctx context.Context, handle string) (finality.Probe, error) {
	receipt, err := v.backend.TransactionReceipt(ctx, common.HexToHash(handle))
	if errors.Is(err, ethereum.NotFound) {
		return finality.Probe{}, nil
	}
	if err != nil {
		return finality.Probe{}, fmt.Errorf("receipt %s: %w", handle, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return finality.Probe{Final: true, Reference: handle, Reason: "execution reverted"}, nil
	}

	head, err := v.backend.BlockNumber(ctx)
	if err != nil {
		return finality.Probe{}, fmt.Errorf("block number: %w", err)
	}
	included := receipt.BlockNumber.Uint64()
	if head < included || head-included+1 < v.cfg.FinalityDepth {
		return finality.Probe{}, nil
	}
	return finality.Probe{
		Final:          true,
		Success:        true,
		Reference:      handle,
		VenueRequestID: requestIDFromLogs(v.contract, receipt.Logs),
	}, nil
}

// Wake forwards new heads when the backend can stream them.
func (v *Venue) Wake(ctx context.Context) <-chan struct{} {
	hs, ok := v.backend.(HeadSubscriber)
	if !ok {
		return nil
	}
	return watchHeads(ctx, hs, v.logger)
}

func (v *Venue) send(ctx context.Context, key *ecdsa.PrivateKey, data []byte) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := v.chain(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := v.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", unavailable("pending nonce", err)
	}
	gasPrice, err := v.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", unavailable("gas price", err)
	}

	gas := v.cfg.GasLimit
	if gas == 0 {
		gas, err = v.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &v.contract, Data: data})
		if err != nil {
			// Estimation fails when the call would revert.
			return "", fmt.Errorf("%w: %v", redemption.ErrVenueRejected, err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &v.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := v.backend.SendTransaction(ctx, signed); err != nil {
		return "", unavailable("send transaction", err)
	}
	return signed.Hash().Hex(), nil
}

func (v *Venue) chain(ctx context.Context) (*big.Int, error) {
	v.mu.RLock()
	id := v.chainID
	v.mu.RUnlock()
	if id != nil {
		return id, nil
	}

	id, err := v.backend.ChainID(ctx)
	if err != nil {
		return nil, unavailable("chain id", err)
	}
	v.mu.Lock()
	v.chainID = id
	v.mu.Unlock()
	return id, nil
}

func (v *Venue) tokenDecimals(ctx context.Context) (int32, error) {
	v.mu.RLock()
	if v.haveDec {
		d := v.decimals
		v.mu.RUnlock()
		return d, nil
	}
	v.mu.RUnlock()

	out, err := v.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d := int32(out[0].(uint8))

	v.mu.Lock()
	v.decimals, v.haveDec = d, true
	v.mu.Unlock()
	return d, nil
}

func (v *Venue) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := v.backend.CallContract(ctx, ethereum.CallMsg{To: &v.contract, Data: data}, nil)
	if err != nil {
		return nil, unavailable(method, err)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (v *Venue) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := v.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", method, out[0])
	}
	return n, nil
}

func parseKey(secret string) (*ecdsa.PrivateKey, error) {
	secret = strings.TrimPrefix(strings.TrimSpace(secret), "0x")
	if secret == "" {
		return nil, errors.New("missing private key")
	}
	return crypto.HexToECDSA(secret)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", redemption.ErrVenueUnavailable, op, err)
}
