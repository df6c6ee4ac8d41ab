// Package finality waits for venue submissions to settle.
//
// One Watcher serves every venue; the venue specifics live behind Prober.
// A Watcher only observes. It never resubmits, so a timed-out submission is
// reported as such and the caller decides what to do next.
package finality

import (
	"context"
	"log/slog"
	"time"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// DefaultTimeout bounds how long a submission is watched.
const DefaultTimeout = 5 * time.Minute

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 2 * time.Second

// Probe is a single observation of a submission on its venue.
type Probe struct {
	// Final is true once the venue's finality threshold has been reached,
	// or once the venue has definitively rejected the submission.
	Final     bool
	Success   bool
	Reference string
	Reason    string

	// VenueRequestID is the id the venue assigned, when the settled
	// transaction reveals it.
	VenueRequestID string
}

// Prober inspects a submission handle on one venue. A not-yet-visible
// submission is reported as a non-final Probe, not as an error.
type Prober interface {
	Probe(ctx context.Context, handle string) (Probe, error)
}

// Waker is implemented by probers that can signal when venue state may
// have moved, such as a new block head. The watcher still polls.
type Waker interface {
	Wake(ctx context.Context) <-chan struct{}
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, handle string) (Probe, error)

func (f ProberFunc) Probe(ctx context.Context, handle string) (Probe, error) {
	return f(ctx, handle)
}

// Watcher blocks until a submission reaches finality, is rejected, or the
// bounded wait elapses.
type Watcher struct {
	venue    redemption.Venue
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithTimeout sets the bounded wait.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithClock sets the clock used for ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New returns a Watcher for venue.
func New(venue redemption.Venue, prober Prober, opts ...Option) *Watcher {
	w := &Watcher{
		venue:    venue,
		prober:   prober,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "finality-watcher", "venue", venue)
	return w
}

// Venue returns the venue this watcher observes.
func (w *Watcher) Venue() redemption.Venue { return w.venue }

// Timeout returns the bounded wait.
func (w *Watcher) Timeout() time.Duration { return w.timeout }

// Watch waits for handle to settle. The returned error is non-nil only when
// ctx ends first; every venue outcome, including the timeout, is a
// SettlementOutcome. Failed and timed-out outcomes carry the handle as their
// reference when the venue supplied none.
func (w *Watcher) Watch(ctx context.Context, handle string) (redemption.SettlementOutcome, error) {
	// Scopes the wake subscription to this watch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if wk, ok := w.prober.(Waker); ok {
		wake = wk.Wake(ctx)
	}

	attempts := 0
	for {
		attempts++
		p, err := w.prober.Probe(ctx, handle)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return redemption.SettlementOutcome{}, ctx.Err()
			}
			// Transient; the next tick tries again.
			w.logger.Warn("probe failed", "handle", handle, "attempt", attempts, "error", err)
		case p.Final:
			return w.outcome(handle, p), nil
		}

		select {
		case <-ctx.Done():
			return redemption.SettlementOutcome{}, ctx.Err()
		case <-deadline.C:
			w.logger.Warn("submission did not reach finality", "handle", handle, "timeout", w.timeout, "attempts", attempts)
			return redemption.SettlementOutcome{
				Success:             false,
				SettlementReference: handle,
				FailureReason:       redemption.ReasonTimeout,
				ObservedAt:          w.now().UTC(),
			}, nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (w *Watcher) outcome(handle string, p Probe) redemption.SettlementOutcome {
	ref := p.Reference
	if ref == "" {
		ref = handle
	}
	out := redemption.SettlementOutcome{
		Success:             p.Success,
		SettlementReference: ref,
		VenueRequestID:      p.VenueRequestID,
		ObservedAt:          w.now().UTC(),
	}
	if !p.Success {
		out.FailureReason = p.Reason
		if out.FailureReason == "" {
			out.FailureReason = "rejected by venue"
		}
	}
	w.logger.Info("submission final", "handle", handle, "success", p.Success, "reference", ref)
	return out
}
