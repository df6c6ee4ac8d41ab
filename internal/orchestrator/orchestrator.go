// Package orchestrator coordinates redemptions across venues: it records the
// request, makes exactly one venue submission per call, and hands the
// submission to a watch task that folds the settlement outcome back into the
// ledger. Callers get the request back as soon as the venue accepts it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

const (
	defaultRetention    = 10 * time.Minute
	defaultWriteTimeout = 10 * time.Second
)

// HistoryReader serves the owner's transaction feed.
type HistoryReader interface {
	List(ctx context.Context, ownerID string, q history.Query) (*history.Page, error)
}

type taskKind string

const (
	kindSubmission   taskKind = "submission"
	kindCancellation taskKind = "cancellation"
)

// task is one running watch. rec and err are set before done is closed.
type task struct {
	id      string
	kind    taskKind
	venue   redemption.Venue
	handle  string
	version int64
	// venueID is the venue request id stored at acceptance.
	venueID string
	started time.Time
	done    chan struct{}

	finished time.Time // guarded by Orchestrator.mu

	rec *redemption.Request
	err error
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	ledger    *ledger.Ledger
	venues    *adapter.Registry
	keys      adapter.KeyResolver
	history   HistoryReader
	watchOpts []finality.Option
	base      *slog.Logger
	logger    *slog.Logger
	metrics   *orchestratorMetrics
	now       func() time.Time

	retention    time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watchers map[redemption.Venue]*finality.Watcher
	tasks    map[string]*task
	claims   map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHistory sets the feed used by ListHistory.
func WithHistory(h HistoryReader) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithWatcherOptions configures the per-venue finality watchers.
func WithWatcherOptions(opts ...finality.Option) Option {
	return func(o *Orchestrator) { o.watchOpts = append(o.watchOpts, opts...) }
}

// WithTaskRetention sets how long a finished watch stays visible to Await.
// Expired tasks are dropped when the next watch starts.
func WithTaskRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithClock sets the clock used for watch durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithoutMetrics disables Prometheus instrumentation.
func WithoutMetrics() Option {
	return func(o *Orchestrator) { o.metrics = nil }
}

// New creates an Orchestrator. Watch tasks run until Shutdown.
func New(l *ledger.Ledger, venues *adapter.Registry, keys adapter.KeyResolver, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		ledger:       l,
		venues:       venues,
		keys:         keys,
		logger:       slog.Default(),
		metrics:      Metrics(),
		now:          time.Now,
		retention:    defaultRetention,
		writeTimeout: defaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		watchers:     make(map[redemption.Venue]*finality.Watcher),
		tasks:        make(map[string]*task),
		claims:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base = o.logger
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// RequestRedemption records the intent and submits it to its venue. A venue
// refusal leaves the record Failed and is returned alongside it. On
// acceptance the record is AwaitingConfirmation and a watch task is running.
func (o *Orchestrator) RequestRedemption(ctx context.Context, in redemption.Intent) (*redemption.Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	venue, err := o.venues.Get(in.Venue)
	if err != nil {
		return nil, err
	}
	keys, err := o.keys.Resolve(ctx, in.OwnerID, in.Venue)
	if err != nil {
		return nil, err
	}

	rec, err := o.ledger.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	sub, err := venue.SubmitRedemption(ctx, keys, in.AssetKind, in.Quantity)
	o.metrics.submission(string(in.Venue), kindSubmission, err)
	if err != nil {
		o.logger.Warn("venue refused redemption",
			"request_id", rec.ID,
			"venue", in.Venue,
			"error", err,
		)
		failed, ferr := o.ledger.Apply(ctx, rec.ID, redemption.Transition{
			Event:           redemption.EventSubmissionRejected,
			ExpectedVersion: rec.Version,
			FailureReason:   err.Error(),
		})
		if ferr != nil {
			return rec, errors.Join(fmt.Errorf("submit redemption %s: %w", rec.ID, err), ferr)
		}
		return failed, fmt.Errorf("submit redemption %s: %w", rec.ID, err)
	}

	accepted, err := o.ledger.Apply(ctx, rec.ID, redemption.Transition{
		Event:            redemption.EventSubmissionAccepted,
		ExpectedVersion:  rec.Version,
		VenueRequestID:   sub.VenueRequestID,
		SubmissionHandle: sub.Handle,
	})
	if err != nil {
		o.logger.Error("venue accepted redemption but ledger write failed",
			"request_id", rec.ID,
			"venue", in.Venue,
			"handle", sub.Handle,
			"venue_request_id", sub.VenueRequestID,
			"error", err,
		)
		return nil, err
	}

	o.spawn(venue, accepted, kindSubmission, sub.Handle)
	return accepted, nil
}

// CancelRedemption marks a request the requester owns CancelRequested, then
// submits the venue cancellation. The outcome is committed by a watch task:
// Cancelled on success, the prior status otherwise. A venue refusal reverts
// the marker before returning.
func (o *Orchestrator) CancelRedemption(ctx context.Context, id, requesterID string) (*redemption.Request, error) {
	rec, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != requesterID {
		return nil, redemption.ErrNotOwner
	}
	if rec.VenueRequestID == "" {
		return nil, redemption.ErrNoVenueHandle
	}
	if rec.Status == redemption.StatusCancelRequested {
		return nil, redemption.ErrCancellationInFlight
	}
	if !rec.Status.Cancellable() {
		return nil, &redemption.TransitionError{From: rec.Status, Event: redemption.EventCancelAccepted}
	}

	if !o.claim(id) {
		return nil, redemption.ErrCancellationInFlight
	}

	venue, err := o.venues.Get(rec.Venue)
	if err != nil {
		o.release(id)
		return nil, err
	}

	marked, err := o.ledger.Apply(ctx, id, redemption.Transition{
		Event:           redemption.EventCancelAccepted,
		ExpectedVersion: rec.Version,
	})
	if err != nil {
		o.release(id)
		return nil, err
	}

	sub, err := venue.SubmitCancellation(ctx, rec.VenueRequestID)
	o.metrics.submission(string(rec.Venue), kindCancellation, err)

	// The marker is set, so the follow-up writes must land even when the
	// caller has gone away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.writeTimeout)
	defer cancel()

	if err != nil {
		defer o.release(id)
		o.logger.Warn("venue refused cancellation", "request_id", id, "venue", rec.Venue, "error", err)
		cerr := fmt.Errorf("cancel redemption %s: %w", id, err)
		if _, rerr := o.ledger.Apply(wctx, id, redemption.Transition{
			Event:           redemption.EventCancelFailed,
			ExpectedVersion: marked.Version,
			FailureReason:   err.Error(),
		}); rerr != nil {
			o.logger.Error("failed to revert cancel marker", "request_id", id, "error", rerr)
			return nil, errors.Join(cerr, rerr)
		}
		return nil, cerr
	}

	submitted, err := o.ledger.Apply(wctx, id, redemption.Transition{
		Event:           redemption.EventCancelSubmitted,
		ExpectedVersion: marked.Version,
		CancelHandle:    sub.Handle,
	})
	if err != nil {
		// Nothing else can move a CancelRequested record, so the watch still
		// commits against the marker's version.
		o.logger.Error("venue accepted cancellation but handle write failed",
			"request_id", id,
			"handle", sub.Handle,
			"error", err,
		)
		submitted = marked.Clone()
		submitted.CancelHandle = sub.Handle
	}

	o.spawn(venue, submitted, kindCancellation, sub.Handle)
	return submitted, nil
}

// Await blocks until the watch task for id has committed its outcome. It
// returns redemption.ErrConfirmationTimeout when the watch timed out and an
// error matching redemption.ErrVenueRejected when the venue rejected it.
func (o *Orchestrator) Await(ctx context.Context, id string) (*redemption.Request, error) {
	o.mu.Lock()
	t := o.tasks[id]
	o.mu.Unlock()
	if t == nil {
		return nil, redemption.ErrNoWatchTask
	}

	select {
	case <-t.done:
		return t.rec, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a request owned by requesterID.
func (o *Orchestrator) Get(ctx context.Context, id, requesterID string) (*redemption.Request, error) {
	rec, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != requesterID {
		return nil, redemption.ErrNotOwner
	}
	return rec, nil
}

// MarkProcessing records that fulfillment has started on a Confirmed request.
func (o *Orchestrator) MarkProcessing(ctx context.Context, id string) (*redemption.Request, error) {
	return o.ledger.Apply(ctx, id, redemption.Transition{Event: redemption.EventProcessingStarted})
}

// MarkFulfilled records that the physical delivery was dispatched.
func (o *Orchestrator) MarkFulfilled(ctx context.Context, id string) (*redemption.Request, error) {
	return o.ledger.Apply(ctx, id, redemption.Transition{Event: redemption.EventDispatched})
}

// ListHistory returns one page of the owner's merged transaction feed.
func (o *Orchestrator) ListHistory(ctx context.Context, ownerID string, q history.Query) (*history.Page, error) {
	if o.history == nil {
		return nil, errors.New("history feed not configured")
	}
	return o.history.List(ctx, ownerID, q)
}

// Resume restarts watches for requests left in flight by a previous process.
// It returns how many were restarted.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	recs, err := o.ledger.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		if o.running(rec.ID) {
			continue
		}
		venue, err := o.venues.Get(rec.Venue)
		if err != nil {
			o.logger.Error("cannot resume watch", "request_id", rec.ID, "venue", rec.Venue, "error", err)
			continue
		}

		switch rec.Status {
		case redemption.StatusAwaitingConfirmation:
			if rec.SubmissionHandle == "" {
				o.logger.Error("in-flight request has no submission handle", "request_id", rec.ID)
				continue
			}
			o.spawn(venue, rec, kindSubmission, rec.SubmissionHandle)
		case redemption.StatusCancelRequested:
			if rec.CancelHandle == "" {
				// Stopped between the marker and the venue answer; the venue
				// side is unknown and needs an operator.
				o.logger.Error("cancel marker without venue handle", "request_id", rec.ID, "prior_status", rec.PriorStatus)
				continue
			}
			if !o.claim(rec.ID) {
				continue
			}
			o.spawn(venue, rec, kindCancellation, rec.CancelHandle)
		default:
			continue
		}
		resumed++
	}

	if resumed > 0 {
		o.logger.Info("resumed watches", "count", resumed)
	}
	return resumed, nil
}

// Shutdown stops every watch task without writing outcomes for them and
// waits for the tasks to exit. Interrupted requests stay in flight for Resume.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) spawn(venue adapter.Settlement, rec *redemption.Request, kind taskKind, handle string) {
	t := &task{
		id:      rec.ID,
		kind:    kind,
		venue:   rec.Venue,
		handle:  handle,
		version: rec.Version,
		venueID: rec.VenueRequestID,
		started: o.now(),
		done:    make(chan struct{}),
	}
	w := o.watcher(venue)

	o.mu.Lock()
	o.sweepLocked()
	o.tasks[rec.ID] = t
	o.mu.Unlock()

	o.metrics.watchStarted(string(t.venue))
	o.wg.Add(1)
	go o.run(w, t)
}

func (o *Orchestrator) run(w *finality.Watcher, t *task) {
	defer o.wg.Done()
	defer o.finish(t)

	log := o.logger.With("request_id", t.id, "kind", t.kind, "handle", t.handle)

	outcome, err := w.Watch(o.ctx, t.handle)
	if err != nil {
		t.err = err
		o.metrics.watchFinished(string(t.venue), t.kind, "interrupted", 0)
		log.Info("watch interrupted", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.writeTimeout)
	rec, err := o.ledger.Apply(ctx, t.id, o.transition(t, outcome))
	cancel()

	result := outcomeResult(outcome)
	o.metrics.watchFinished(string(t.venue), t.kind, result, o.now().Sub(t.started))

	if err != nil {
		t.err = err
		if errors.Is(err, redemption.ErrStaleTransition) {
			log.Warn("discarded stale outcome", "result", result, "error", err)
		} else {
			log.Error("failed to record outcome", "result", result, "error", err)
		}
		return
	}

	t.rec = rec
	switch {
	case outcome.TimedOut():
		t.err = fmt.Errorf("%s %s: %w", t.kind, t.id, redemption.ErrConfirmationTimeout)
	case !outcome.Success:
		t.err = fmt.Errorf("%s %s: %w: %s", t.kind, t.id, redemption.ErrVenueRejected, outcome.FailureReason)
	case rec.Status == redemption.StatusFailed:
		t.err = fmt.Errorf("%s %s: %w: %s", t.kind, t.id, redemption.ErrVenueRejected, rec.FailureReason)
	}
	log.Info("watch complete", "result", result, "status", rec.Status, "reference", outcome.SettlementReference)
}

// transition maps an outcome onto the event for the task kind. The version
// the task observed makes the write fail if the record moved meanwhile.
func (o *Orchestrator) transition(t *task, out redemption.SettlementOutcome) redemption.Transition {
	tr := redemption.Transition{
		ExpectedVersion:     t.version,
		SettlementReference: out.SettlementReference,
		FailureReason:       out.FailureReason,
	}
	switch {
	case t.kind == kindSubmission && out.Success && out.VenueRequestID != "" && out.VenueRequestID != t.venueID:
		// The venue assigned a different id than the one recorded; a later
		// cancellation would target someone else's request.
		o.logger.Error("venue assigned a different request id",
			"request_id", t.id,
			"recorded", t.venueID,
			"assigned", out.VenueRequestID,
			"handle", t.handle,
		)
		tr.Event = redemption.EventSettlementFailed
		tr.FailureReason = fmt.Sprintf("%s: recorded %s, assigned %s", redemption.ReasonIDMismatch, t.venueID, out.VenueRequestID)
	case t.kind == kindSubmission && out.Success:
		tr.Event = redemption.EventSettlementConfirmed
	case t.kind == kindSubmission:
		tr.Event = redemption.EventSettlementFailed
	case out.Success:
		tr.Event = redemption.EventCancelConfirmed
	default:
		// The cancellation attempt is discarded; the record keeps its reference.
		tr.Event = redemption.EventCancelFailed
		tr.SettlementReference = ""
	}
	return tr
}

func (o *Orchestrator) finish(t *task) {
	if t.kind == kindCancellation {
		o.release(t.id)
	}
	o.mu.Lock()
	t.finished = o.now()
	o.mu.Unlock()
	close(t.done)
}

// sweepLocked drops finished tasks older than the retention window.
func (o *Orchestrator) sweepLocked() {
	cutoff := o.now().Add(-o.retention)
	for id, t := range o.tasks {
		if !t.finished.IsZero() && t.finished.Before(cutoff) {
			delete(o.tasks, id)
		}
	}
}

func (o *Orchestrator) watcher(venue adapter.Settlement) *finality.Watcher {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w, ok := o.watchers[venue.Venue()]; ok {
		return w
	}
	opts := make([]finality.Option, 0, len(o.watchOpts)+1)
	opts = append(opts, finality.WithLogger(o.base))
	opts = append(opts, o.watchOpts...)
	w := finality.New(venue.Venue(), venue, opts...)
	o.watchers[venue.Venue()] = w
	return w
}

func (o *Orchestrator) running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, held := o.claims[id]; held {
		return false
	}
	o.claims[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.claims, id)
	o.mu.Unlock()
}

func outcomeResult(out redemption.SettlementOutcome) string {
	switch {
	case out.Success:
		return "success"
	case out.TimedOut():
		return "timeout"
	default:
		return "rejected"
	}
}
