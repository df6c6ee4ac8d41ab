package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// CommitHook runs after a successful write, outside the per-request lock.
type CommitHook func(ctx context.Context, rec *redemption.Request)

// Ledger owns the redemption state machine.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	locks  *keyedLocker
	hooks  []CommitHook
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock sets the function used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithCommitHook registers a hook invoked after every write.
func WithCommitHook(h CommitHook) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, h) }
}

// New creates a Ledger backed by store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		locks:  newKeyedLocker(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Create validates the intent and records a Pending request.
func (l *Ledger) Create(ctx context.Context, in redemption.Intent) (*redemption.Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	rec := &redemption.Request{
		ID:              l.newID(),
		OwnerID:         in.OwnerID,
		Venue:           in.Venue,
		AssetKind:       in.AssetKind,
		Quantity:        in.Quantity,
		DeliveryAddress: in.DeliveryAddress,
		Status:          redemption.StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	audit := AuditEntry{
		RequestID: rec.ID,
		To:        rec.Status,
		Event:     "created",
		Version:   rec.Version,
		At:        now,
	}
	if err := l.store.Insert(ctx, rec, audit); err != nil {
		return nil, fmt.Errorf("insert redemption: %w", err)
	}

	l.logger.Info("redemption created",
		"request_id", rec.ID,
		"owner_id", rec.OwnerID,
		"venue", rec.Venue,
		"asset", rec.AssetKind,
		"quantity", rec.Quantity.String(),
	)
	l.runHooks(ctx, rec)
	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (l *Ledger) Get(ctx context.Context, id string) (*redemption.Request, error) {
	return l.store.Get(ctx, id)
}

// ListByOwner returns the owner's records, newest first.
func (l *Ledger) ListByOwner(ctx context.Context, ownerID string, f Filter) ([]*redemption.Request, error) {
	return l.store.ListByOwner(ctx, ownerID, f)
}

// ListInFlight returns records whose settlement is still being watched.
func (l *Ledger) ListInFlight(ctx context.Context) ([]*redemption.Request, error) {
	return l.store.ListInFlight(ctx)
}

// Apply is the guarded transition function. Writes for one request are
// serialized; a transition carrying an ExpectedVersion that no longer
// matches is rejected with ErrStaleTransition.
func (l *Ledger) Apply(ctx context.Context, id string, t redemption.Transition) (*redemption.Request, error) {
	unlock := l.locks.Lock(id)
	next, err := l.apply(ctx, id, t)
	unlock()
	if err != nil {
		return nil, err
	}

	l.runHooks(ctx, next)
	return next.Clone(), nil
}

func (l *Ledger) apply(ctx context.Context, id string, t redemption.Transition) (*redemption.Request, error) {
	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.ExpectedVersion != 0 && cur.Version != t.ExpectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, outcome observed version %d",
			redemption.ErrStaleTransition, id, cur.Version, t.ExpectedVersion)
	}

	next, err := cur.Apply(t, l.now())
	if err != nil {
		if errors.Is(err, redemption.ErrInvariantViolation) {
			l.logger.Error("refused ledger write",
				"invariant_violation", true,
				"request_id", id,
				"status", cur.Status,
				"event", t.Event,
				"error", err,
			)
		}
		return nil, err
	}

	commit := Commit{
		Record:      next,
		PrevVersion: cur.Version,
		Audit: AuditEntry{
			RequestID: id,
			From:      cur.Status,
			To:        next.Status,
			Event:     string(t.Event),
			Reference: t.SettlementReference,
			Reason:    t.FailureReason,
			Version:   next.Version,
			At:        next.UpdatedAt,
		},
	}
	// A reverted cancellation returns to a status already announced.
	if eventType, ok := notificationType(next.Status); ok && next.Status != cur.Status && t.Event != redemption.EventCancelFailed {
		commit.Notification = &Notification{
			EventID:             uuid.NewString(),
			EventType:           eventType,
			RequestID:           id,
			OwnerID:             next.OwnerID,
			Status:              next.Status,
			Venue:               next.Venue,
			SettlementReference: next.SettlementReference,
			FailureReason:       next.FailureReason,
			OccurredAt:          next.UpdatedAt,
			Snapshot:            next.Clone(),
		}
	}

	if err := l.store.Update(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit %s: %w", t.Event, err)
	}

	l.logger.Info("redemption transition",
		"request_id", id,
		"from", cur.Status,
		"to", next.Status,
		"event", t.Event,
		"version", next.Version,
	)
	return next, nil
}

func (l *Ledger) runHooks(ctx context.Context, rec *redemption.Request) {
	for _, h := range l.hooks {
		h(ctx, rec.Clone())
	}
}

// keyedLocker hands out one mutex per key and forgets it once unused.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocker) Lock(key string) func() {
	k.mu.Lock()
	lk, ok := k.locks[key]
	if !ok {
		lk = &keyedLock{}
		k.locks[key] = lk
	}
	lk.refs++
	k.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		k.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
