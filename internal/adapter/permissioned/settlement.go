package permissioned

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Chaincode functions.
const (
	fnGetConfig      = "GetConfig"
	fnGetBalance     = "GetBalance"
	fnRequest        = "RequestRedemption"
	fnGetRedemption  = "GetRedemption"
	fnCancel         = "CancelRedemption"
	fnGetTransaction = "GetTransactionStatus"
)

// Fabric validation codes reported by GetTransactionStatus.
const (
	txValid    = "VALID"
	txPending  = "PENDING"
	txNotFound = "NOT_FOUND"
)

type ledgerConfig struct {
	NextRequestID uint64 `json:"nextRequestId"`
	Decimals      int32  `json:"decimals"`
	Paused        bool   `json:"paused"`
}

type submitResult struct {
	RequestID string `json:"requestId"`
	TxID      string `json:"txId"`
}

type redemptionState struct {
	RequestID string `json:"requestId"`
	Owner     string `json:"owner"`
	Status    string `json:"status"`
}

type txStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Venue submits redemptions to the permissioned ledger.
type Venue struct {
	contract Contract
	decimals int32
	logger   *slog.Logger
}

// New creates the venue over contract. decimals is used when the chaincode
// config does not report one.
func New(contract Contract, decimals int32, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Venue{
		contract: contract,
		decimals: decimals,
		logger:   logger.With("component", "permissioned-venue"),
	}
}

func (v *Venue) Venue() redemption.Venue { return redemption.VenuePermissioned }

func (v *Venue) QueryState(ctx context.Context) (adapter.VenueState, error) {
	var cfg ledgerConfig
	if err := v.evaluate(fnGetConfig, &cfg); err != nil {
		return adapter.VenueState{}, err
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = v.decimals
	}
	return adapter.VenueState{
		NextRequestID: strconv.FormatUint(cfg.NextRequestID, 10),
		Decimals:      cfg.Decimals,
		Paused:        cfg.Paused,
	}, nil
}

// SubmitRedemption records the redemption on the ledger. The chaincode
// returns the assigned request id synchronously.
func (v *Venue) SubmitRedemption(ctx context.Context, keys adapter.OwnerKeys, asset redemption.AssetKind, qty decimal.Decimal) (adapter.Submission, error) {
	if !qty.IsPositive() {
		return adapter.Submission{}, redemption.ErrInvalidAmount
	}
	if keys.Account == "" {
		return adapter.Submission{}, &redemption.ValidationError{Field: "ownerKeys", Reason: "ledger account is required"}
	}

	state, err := v.QueryState(ctx)
	if err != nil {
		return adapter.Submission{}, err
	}
	if state.Paused {
		return adapter.Submission{}, fmt.Errorf("%w: ledger paused", redemption.ErrVenueUnavailable)
	}
	amount, err := adapter.ToBaseUnits(qty, state.Decimals)
	if err != nil {
		return adapter.Submission{}, err
	}

	var bal struct {
		Balance string `json:"balance"`
	}
	if err := v.evaluate(fnGetBalance, &bal, keys.Account, string(asset)); err != nil {
		return adapter.Submission{}, err
	}
	have, err := decimal.NewFromString(bal.Balance)
	if err != nil || have.LessThan(decimal.NewFromBigInt(amount, 0)) {
		return adapter.Submission{}, redemption.ErrInsufficientBalance
	}

	raw, err := v.contract.SubmitTransaction(fnRequest, keys.Account, string(asset), amount.String())
	if err != nil {
		return adapter.Submission{}, classify(fnRequest, err)
	}
	var res submitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return adapter.Submission{}, fmt.Errorf("decode %s result: %w", fnRequest, err)
	}
	if res.TxID == "" || res.RequestID == "" {
		return adapter.Submission{}, fmt.Errorf("%s returned no transaction id", fnRequest)
	}

	v.logger.Info("redemption submitted",
		"tx_id", res.TxID,
		"account", keys.Account,
		"asset", asset,
		"amount", amount.String(),
		"venue_request_id", res.RequestID,
	)
	return adapter.Submission{Handle: res.TxID, VenueRequestID: res.RequestID}, nil
}

func (v *Venue) SubmitCancellation(ctx context.Context, venueRequestID string) (adapter.Submission, error) {
	var st redemptionState
	if err := v.evaluate(fnGetRedemption, &st, venueRequestID); err != nil {
		return adapter.Submission{}, err
	}
	if strings.EqualFold(st.Status, "CANCELLED") {
		return adapter.Submission{}, fmt.Errorf("%w: request %s already cancelled", redemption.ErrVenueRejected, venueRequestID)
	}

	raw, err := v.contract.SubmitTransaction(fnCancel, venueRequestID)
	if err != nil {
		return adapter.Submission{}, classify(fnCancel, err)
	}
	var res submitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return adapter.Submission{}, fmt.Errorf("decode %s result: %w", fnCancel, err)
	}

	v.logger.Info("cancellation submitted", "tx_id", res.TxID, "venue_request_id", venueRequestID)
	return adapter.Submission{Handle: res.TxID}, nil
}

// Probe reads the validation code of a committed transaction. Fabric has
// no forks, so a VALID commit is final.
func (v *Venue) Probe(ctx context.Context, handle string) (finality.Probe, error) {
	var st txStatus
	if err := v.evaluate(fnGetTransaction, &st, handle); err != nil {
		return finality.Probe{}, err
	}
	switch strings.ToUpper(st.Status) {
	case txValid:
		return finality.Probe{Final: true, Success: true, Reference: handle}, nil
	case txPending, txNotFound, "":
		return finality.Probe{}, nil
	default:
		reason := st.Reason
		if reason == "" {
			reason = "transaction invalidated: " + st.Status
		}
		return finality.Probe{Final: true, Reference: handle, Reason: reason}, nil
	}
}

func (v *Venue) evaluate(fn string, out interface{}, args ...string) error {
	raw, err := v.contract.EvaluateTransaction(fn, args...)
	if err != nil {
		return classify(fn, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", fn, err)
	}
	return nil
}

// classify maps chaincode error messages onto venue errors. Anything not
// recognised as a business rejection is treated as the venue being down.
func classify(fn string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return redemption.ErrInsufficientBalance
	case strings.Contains(msg, "invalid amount"):
		return redemption.ErrInvalidAmount
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
		return redemption.ErrUnknownRequestID
	case strings.Contains(msg, "endorsement"), strings.Contains(msg, "chaincode response 500"):
		return fmt.Errorf("%w: %s: %v", redemption.ErrVenueRejected, fn, err)
	}
	return fmt.Errorf("%w: %s: %v", redemption.ErrVenueUnavailable, fn, err)
}
