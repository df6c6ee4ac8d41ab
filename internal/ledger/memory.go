package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*redemption.Request
	audit   []AuditEntry
	outbox  []Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*redemption.Request)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *redemption.Request, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("redemption %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.audit = append(s.audit, audit)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*redemption.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, redemption.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[c.Record.ID]
	if !ok {
		return redemption.ErrNotFound
	}
	if cur.Version != c.PrevVersion {
		return fmt.Errorf("%w: %s version %d, expected %d", redemption.ErrStaleTransition, cur.ID, cur.Version, c.PrevVersion)
	}
	if cur.VenueRequestID != "" && c.Record.VenueRequestID != cur.VenueRequestID {
		return &redemption.InvariantError{RequestID: cur.ID, Detail: "venue request id is immutable once set"}
	}

	s.records[c.Record.ID] = c.Record.Clone()
	s.audit = append(s.audit, c.Audit)
	if c.Notification != nil {
		s.outbox = append(s.outbox, *c.Notification)
	}
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string, f Filter) ([]*redemption.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*redemption.Request
	for _, rec := range s.records {
		if rec.OwnerID == ownerID && f.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context) ([]*redemption.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*redemption.Request
	for _, rec := range s.records {
		if rec.Status.InFlight() {
			out = append(out, rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Audit returns the audit entries recorded for id, oldest first.
func (s *MemoryStore) Audit(id string) []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEntry
	for _, a := range s.audit {
		if a.RequestID == id {
			out = append(out, a)
		}
	}
	return out
}

// Notifications returns every notification written so far.
func (s *MemoryStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Notification(nil), s.outbox...)
}

func sortNewestFirst(recs []*redemption.Request) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
