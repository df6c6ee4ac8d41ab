package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

type ReconcilerConfig struct {
	ReconcileInterval time.Duration

	BatchSize int

	// Lookback is how far back settled records are re-checked.
	Lookback time.Duration

	// MaxStrikes is the number of cycles a reference may stay unsettled on
	// its venue before it counts as a mismatch.
	MaxStrikes int

	FailClosed bool

	MetricsAddr string
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		ReconcileInterval: 30 * time.Second,
		BatchSize:         100,
		Lookback:          24 * time.Hour,
		MaxStrikes:        3,
		FailClosed:        true,
		MetricsAddr:       ":9093",
	}
}

type settledLister interface {
	ListSettledSince(ctx context.Context, since time.Time, limit int) ([]*redemption.Request, error)
}

type venueLookup interface {
	Get(venue redemption.Venue) (adapter.Settlement, error)
}

// Result values for a single record check.
const (
	resultMatched   = "matched"
	resultUnsettled = "unsettled"
	resultMismatch  = "mismatch"
	resultError     = "error"
)

type ReconciliationResult struct {
	RequestID    string
	Venue        redemption.Venue
	Status       redemption.Status
	Reference    string
	Result       string
	Reason       string
	ReconciledAt time.Time
}

// Reconciler re-probes the settlement reference of every recently settled
// redemption and halts when a venue no longer agrees with the ledger.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger *slog.Logger
	repo   settledLister
	venues venueLookup
	now    func() time.Time

	mu            sync.RWMutex
	halted        bool
	haltReason    string
	lastReconcile time.Time
	cursor        time.Time
	verified      map[string]int64 // request id -> version
	strikes       map[string]int
	stats         *ReconcilerStats

	metricsServer *http.Server
}

type ReconcilerStats struct {
	RecordsChecked   int64
	RecordsMatched   int64
	RecordsUnsettled int64
	Mismatches       int64
	VenueErrors      int64
	LastCheckedAt    time.Time
}

var (
	reconcileOnce    sync.Once
	reconcileResults *prometheus.CounterVec
	reconcileHalted  prometheus.Gauge
)

func reconcilerMetrics() {
	reconcileOnce.Do(func() {
		reconcileResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeem",
			Subsystem: "reconciler",
			Name:      "checks_total",
			Help:      "Settled redemptions re-checked against their venue, by result.",
		}, []string{"venue", "result"})
		reconcileHalted = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redeem",
			Subsystem: "reconciler",
			Name:      "halted",
			Help:      "1 while the reconciler is halted on a mismatch.",
		})
		prometheus.MustRegister(reconcileResults, reconcileHalted)
	})
}

func NewReconciler(cfg ReconcilerConfig, repo settledLister, venues venueLookup, logger *slog.Logger) *Reconciler {
	d := DefaultReconcilerConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = d.ReconcileInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = d.Lookback
	}
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = d.MaxStrikes
	}
	if logger == nil {
		logger = slog.Default()
	}
	reconcilerMetrics()
	return &Reconciler{
		cfg:      cfg,
		logger:   logger.With("component", "reconciler"),
		repo:     repo,
		venues:   venues,
		now:      time.Now,
		verified: make(map[string]int64),
		strikes:  make(map[string]int),
		stats:    &ReconcilerStats{},
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("starting reconciler",
		"interval", r.cfg.ReconcileInterval,
		"batch_size", r.cfg.BatchSize,
		"lookback", r.cfg.Lookback,
		"fail_closed", r.cfg.FailClosed,
	)

	if r.cfg.MetricsAddr != "" {
		r.metricsServer = &http.Server{
			Addr:              r.cfg.MetricsAddr,
			Handler:           r.handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go r.serveMetrics()
	}

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	if err := r.reconcileCycle(ctx); err != nil {
		if r.cfg.FailClosed && r.IsHalted() {
			return fmt.Errorf("reconciler halted: %s", r.HaltReason())
		}
		r.logger.Error("initial reconcile cycle error", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if r.IsHalted() && r.cfg.FailClosed {
				r.logger.Warn("reconciler halted, skipping cycle", "reason", r.HaltReason())
				continue
			}

			if err := r.reconcileCycle(ctx); err != nil {
				if r.cfg.FailClosed && r.IsHalted() {
					return fmt.Errorf("reconciler halted: %s", r.HaltReason())
				}
				r.logger.Error("reconcile cycle error", "error", err)
			}
		}
	}
}

func (r *Reconciler) reconcileCycle(ctx context.Context) error {
	now := r.now()

	r.mu.Lock()
	r.lastReconcile = now
	since := now.Add(-r.cfg.Lookback)
	if r.cursor.After(since) {
		since = r.cursor
	}
	r.mu.Unlock()

	records, err := r.repo.ListSettledSince(ctx, since, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list settled redemptions: %w", err)
	}
	if len(records) == 0 {
		r.logger.Debug("no settled redemptions to reconcile", "since", since)
		return nil
	}

	r.logger.Info("reconciling redemptions",
		"since", since,
		"count", len(records),
	)

	for _, rec := range records {
		if r.alreadyVerified(rec) {
			continue
		}

		result := r.reconcileRecord(ctx, rec)
		reconcileResults.WithLabelValues(string(rec.Venue), result.Result).Inc()

		r.mu.Lock()
		r.stats.RecordsChecked++
		r.stats.LastCheckedAt = result.ReconciledAt

		switch result.Result {
		case resultMatched:
			r.stats.RecordsMatched++
			r.verified[rec.ID] = rec.Version
			delete(r.strikes, rec.ID)
		case resultUnsettled:
			r.stats.RecordsUnsettled++
			r.strikes[rec.ID]++
			if r.strikes[rec.ID] >= r.cfg.MaxStrikes {
				result.Result = resultMismatch
				result.Reason = fmt.Sprintf("reference unsettled for %d cycles", r.strikes[rec.ID])
			}
		case resultError:
			r.stats.VenueErrors++
		}

		if result.Result == resultMismatch {
			r.stats.Mismatches++
			if r.cfg.FailClosed {
				r.halted = true
				r.haltReason = fmt.Sprintf("mismatch on %s (%s %s): %s",
					rec.ID, rec.Venue, rec.SettlementReference, result.Reason)
				reconcileHalted.Set(1)
				r.mu.Unlock()

				r.logger.Error("RECONCILIATION MISMATCH - HALTING",
					"request_id", rec.ID,
					"venue", rec.Venue,
					"status", rec.Status,
					"settlement_reference", rec.SettlementReference,
					"reason", result.Reason,
				)
				return fmt.Errorf("fail-closed: reconciliation mismatch on %s", rec.ID)
			}
		}
		r.mu.Unlock()

		switch result.Result {
		case resultMatched:
			r.logger.Debug("redemption reconciled", "request_id", rec.ID, "venue", rec.Venue)
		case resultError:
			r.logger.Warn("venue probe failed", "request_id", rec.ID, "venue", rec.Venue, "error", result.Reason)
		default:
			r.logger.Warn("redemption reconciliation "+result.Result,
				"request_id", rec.ID,
				"venue", rec.Venue,
				"settlement_reference", rec.SettlementReference,
				"reason", result.Reason,
			)
		}
	}

	r.advance(records[len(records)-1].UpdatedAt)
	return nil
}

// advance moves the cursor to the newest record checked. While any record
// is unsettled the cursor holds so the record is read again.
func (r *Reconciler) advance(last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.strikes) == 0 && last.After(r.cursor) {
		r.cursor = last
	}
	if len(r.verified) > 10*r.cfg.BatchSize {
		r.verified = make(map[string]int64)
	}
}

func (r *Reconciler) alreadyVerified(rec *redemption.Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verified[rec.ID]
	return ok && v == rec.Version
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec *redemption.Request) *ReconciliationResult {
	result := &ReconciliationResult{
		RequestID:    rec.ID,
		Venue:        rec.Venue,
		Status:       rec.Status,
		Reference:    rec.SettlementReference,
		ReconciledAt: r.now(),
	}

	venue, err := r.venues.Get(rec.Venue)
	if err != nil {
		result.Result = resultError
		result.Reason = err.Error()
		return result
	}

	probe, err := venue.Probe(ctx, rec.SettlementReference)
	switch {
	case err != nil:
		result.Result = resultError
		result.Reason = err.Error()
	case !probe.Final:
		result.Result = resultUnsettled
		result.Reason = "reference not final on venue"
	case !probe.Success:
		result.Result = resultMismatch
		result.Reason = "venue reports failure: " + probe.Reason
	case probe.VenueRequestID != "" && probe.VenueRequestID != rec.VenueRequestID:
		result.Result = resultMismatch
		result.Reason = fmt.Sprintf("venue assigned request id %s, ledger holds %s", probe.VenueRequestID, rec.VenueRequestID)
	default:
		result.Result = resultMatched
	}
	return result
}

func (r *Reconciler) IsHalted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.halted
}

func (r *Reconciler) HaltReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.haltReason
}

func (r *Reconciler) ResolveHalt(resolution string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.halted {
		return fmt.Errorf("reconciler is not halted")
	}

	r.logger.Info("reconciler halt resolved",
		"previous_reason", r.haltReason,
		"resolution", resolution,
	)

	r.halted = false
	r.haltReason = ""
	r.strikes = make(map[string]int)
	reconcileHalted.Set(0)
	return nil
}

func (r *Reconciler) Stats() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.stats
}

func (r *Reconciler) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		halted := r.halted
		reason := r.haltReason
		stats := *r.stats
		lastReconcile := r.lastReconcile
		r.mu.RUnlock()

		status := map[string]interface{}{
			"status":        "healthy",
			"halted":        halted,
			"checked":       stats.RecordsChecked,
			"mismatches":    stats.Mismatches,
			"last_cycle_at": lastReconcile,
		}
		w.Header().Set("Content-Type", "application/json")
		if halted {
			status["status"] = "halted"
			status["reason"] = reason
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(status)
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/resolve", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		var body struct {
			Resolution string `json:"resolution"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Resolution == "" {
			http.Error(w, "resolution required", http.StatusBadRequest)
			return
		}

		if err := r.ResolveHalt(body.Resolution); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
	})

	return mux
}

func (r *Reconciler) serveMetrics() {
	r.logger.Info("starting metrics server", "addr", r.cfg.MetricsAddr)
	if err := r.metricsServer.ListenAndServe(); err != http.ErrServerClosed {
		r.logger.Error("metrics server error", "error", err)
	}
}

func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down reconciler")

	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			r.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	return nil
}
