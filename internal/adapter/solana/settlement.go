package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// RPC is the subset of the Solana JSON-RPC API the venue uses. *rpc.Client
// satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// Venue submits redemptions to the Solana redemption program.
type Venue struct {
	cfg    Config
	keys   programKeys
	rpc    RPC
	logger *slog.Logger

	configPDA solana.PublicKey

	// Serializes counter reads and sends so the predicted id holds.
	submitMu sync.Mutex
}

// New creates the Solana venue. Pass nil to dial cfg.Endpoint.
func New(cfg Config, client RPC, logger *slog.Logger) (*Venue, error) {
	keys, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	configPDA, err := configAddress(keys.program)
	if err != nil {
		return nil, fmt.Errorf("solana: derive config address: %w", err)
	}
	if client == nil {
		client = rpc.New(cfg.Endpoint)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Venue{
		cfg:       cfg,
		keys:      keys,
		rpc:       client,
		logger:    logger.With("component", "solana-venue"),
		configPDA: configPDA,
	}, nil
}

func (v *Venue) Venue() redemption.Venue { return redemption.VenueSolana }

func (v *Venue) QueryState(ctx context.Context) (adapter.VenueState, error) {
	cfg, err := v.programConfig(ctx)
	if err != nil {
		return adapter.VenueState{}, err
	}
	return adapter.VenueState{
		NextRequestID: strconv.FormatUint(cfg.Counter, 10),
		Decimals:      int32(cfg.Decimals),
		Paused:        cfg.Paused,
	}, nil
}

func (v *Venue) SubmitRedemption(ctx context.Context, keys adapter.OwnerKeys, asset redemption.AssetKind, qty decimal.Decimal) (adapter.Submission, error) {
	if !qty.IsPositive() {
		return adapter.Submission{}, redemption.ErrInvalidAmount
	}
	owner, err := solana.PrivateKeyFromBase58(keys.Secret)
	if err != nil {
		return adapter.Submission{}, &redemption.ValidationError{Field: "ownerKeys", Reason: "invalid solana key"}
	}
	// Wallet addresses are base58 and compared exactly.
	if keys.Account != "" && keys.Account != owner.PublicKey().String() {
		return adapter.Submission{}, &redemption.ValidationError{Field: "ownerKeys", Reason: "secret does not match account"}
	}
	mint, err := v.mint(asset)
	if err != nil {
		return adapter.Submission{}, err
	}

	v.submitMu.Lock()
	defer v.submitMu.Unlock()

	cfg, err := v.programConfig(ctx)
	if err != nil {
		return adapter.Submission{}, err
	}
	if cfg.Paused {
		return adapter.Submission{}, fmt.Errorf("%w: program paused", redemption.ErrVenueUnavailable)
	}

	amount, err := adapter.ToBaseUnits(qty, int32(cfg.Decimals))
	if err != nil {
		return adapter.Submission{}, err
	}
	if !amount.IsUint64() {
		return adapter.Submission{}, redemption.ErrInvalidAmount
	}

	tokenAccount, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), mint)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("derive token account: %w", err)
	}
	if err := v.checkBalance(ctx, tokenAccount, amount); err != nil {
		return adapter.Submission{}, err
	}

	redemptionPDA, err := redemptionAddress(v.keys.program, cfg.Counter)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("derive redemption address: %w", err)
	}

	data, err := encodeInstruction(requestIx, requestArgs{Asset: asset.Code(), Amount: amount.Uint64()})
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("encode request_redemption: %w", err)
	}
	ix := solana.NewInstruction(v.keys.program, solana.AccountMetaSlice{
		solana.Meta(owner.PublicKey()).WRITE().SIGNER(),
		solana.Meta(v.configPDA).WRITE(),
		solana.Meta(redemptionPDA).WRITE(),
		solana.Meta(tokenAccount).WRITE(),
		solana.Meta(mint).WRITE(),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data)

	sig, err := v.send(ctx, owner, ix)
	if err != nil {
		return adapter.Submission{}, err
	}

	venueID := strconv.FormatUint(cfg.Counter, 10)
	v.logger.Info("redemption submitted",
		"signature", sig,
		"owner", owner.PublicKey().String(),
		"asset", asset,
		"amount", amount.String(),
		"venue_request_id", venueID,
	)
	return adapter.Submission{Handle: sig, VenueRequestID: venueID}, nil
}

// SubmitCancellation cancels an open redemption account using the operator key.
func (v *Venue) SubmitCancellation(ctx context.Context, venueRequestID string) (adapter.Submission, error) {
	id, err := strconv.ParseUint(venueRequestID, 10, 64)
	if err != nil {
		return adapter.Submission{}, redemption.ErrUnknownRequestID
	}
	redemptionPDA, err := redemptionAddress(v.keys.program, id)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("derive redemption address: %w", err)
	}

	data, err := v.accountData(ctx, redemptionPDA)
	if errors.Is(err, rpc.ErrNotFound) {
		return adapter.Submission{}, redemption.ErrUnknownRequestID
	}
	if err != nil {
		return adapter.Submission{}, err
	}
	acc, err := decodeRedemption(data)
	if err != nil {
		return adapter.Submission{}, err
	}
	if acc.Status == statusCancelled {
		return adapter.Submission{}, fmt.Errorf("%w: request %s already cancelled", redemption.ErrVenueRejected, venueRequestID)
	}

	mint := v.keys.goldMint
	if acc.Asset == redemption.AssetSilver.Code() {
		mint = v.keys.silverMint
	}
	ownerTokenAccount, _, err := solana.FindAssociatedTokenAddress(acc.Owner, mint)
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("derive token account: %w", err)
	}

	ixData, err := encodeInstruction(cancelIx, cancelArgs{RequestID: id})
	if err != nil {
		return adapter.Submission{}, fmt.Errorf("encode cancel_redemption: %w", err)
	}
	ix := solana.NewInstruction(v.keys.program, solana.AccountMetaSlice{
		solana.Meta(v.keys.operator.PublicKey()).WRITE().SIGNER(),
		solana.Meta(v.configPDA),
		solana.Meta(redemptionPDA).WRITE(),
		solana.Meta(ownerTokenAccount).WRITE(),
		solana.Meta(mint).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}, ixData)

	v.submitMu.Lock()
	sig, err := v.send(ctx, v.keys.operator, ix)
	v.submitMu.Unlock()
	if err != nil {
		return adapter.Submission{}, err
	}

	v.logger.Info("cancellation submitted", "signature", sig, "venue_request_id", venueRequestID)
	return adapter.Submission{Handle: sig}, nil
}

// Probe treats the finalized commitment as final.
func (v *Venue) Probe(ctx context.Context, handle string) (finality.Probe, error) {
	sig, err := solana.SignatureFromBase58(handle)
	if err != nil {
		return finality.Probe{Final: true, Reference: handle, Reason: "malformed signature"}, nil
	}

	res, err := v.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return finality.Probe{}, fmt.Errorf("signature status %s: %w", handle, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return finality.Probe{}, nil
	}

	status := res.Value[0]
	if status.Err != nil {
		return finality.Probe{Final: true, Reference: handle, Reason: fmt.Sprintf("transaction failed: %v", status.Err)}, nil
	}
	if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return finality.Probe{}, nil
	}
	return finality.Probe{Final: true, Success: true, Reference: handle}, nil
}

func (v *Venue) send(ctx context.Context, signer solana.PrivateKey, ix solana.Instruction) (string, error) {
	recent, err := v.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", unavailable("latest blockhash", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := v.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       v.cfg.SkipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", unavailable("send transaction", err)
	}
	return sig.String(), nil
}

func (v *Venue) programConfig(ctx context.Context) (programConfig, error) {
	data, err := v.accountData(ctx, v.configPDA)
	if errors.Is(err, rpc.ErrNotFound) {
		return programConfig{}, fmt.Errorf("%w: program config not initialized", redemption.ErrVenueUnavailable)
	}
	if err != nil {
		return programConfig{}, err
	}
	return decodeConfig(data)
}

func (v *Venue) accountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	res, err := v.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("account info", err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, rpc.ErrNotFound
	}
	return res.Value.Data.GetBinary(), nil
}

func (v *Venue) checkBalance(ctx context.Context, tokenAccount solana.PublicKey, amount *big.Int) error {
	res, err := v.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentConfirmed)
	if errors.Is(err, rpc.ErrNotFound) {
		return redemption.ErrInsufficientBalance
	}
	if err != nil {
		return unavailable("token balance", err)
	}
	if res == nil || res.Value == nil {
		return redemption.ErrInsufficientBalance
	}
	balance, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok || balance.Cmp(amount) < 0 {
		return redemption.ErrInsufficientBalance
	}
	return nil
}

func (v *Venue) mint(asset redemption.AssetKind) (solana.PublicKey, error) {
	switch asset {
	case redemption.AssetGold:
		return v.keys.goldMint, nil
	case redemption.AssetSilver:
		return v.keys.silverMint, nil
	}
	return solana.PublicKey{}, &redemption.ValidationError{Field: "assetKind", Reason: fmt.Sprintf("no mint for %s", asset)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", redemption.ErrVenueUnavailable, op, err)
}
