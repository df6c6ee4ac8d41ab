// Package history merges an owner's redemptions, purchases and transfers into
// one read-only feed, newest first, with filtering and offset pagination.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// EntryType names the stream an entry came from.
type EntryType string

const (
	TypeRedemption EntryType = "redemption"
	TypePurchase   EntryType = "purchase"
	TypeTransfer   EntryType = "transfer"
)

// ParseEntryType converts user input to an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeRedemption, TypePurchase, TypeTransfer:
		return t, nil
	}
	return "", &redemption.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", s)}
}

// Entry is the normalized shape every source is mapped to.
type Entry struct {
	ID        string          `json:"id"`
	Date      time.Time       `json:"date"`
	Type      EntryType       `json:"type"`
	AssetKind string          `json:"assetKind"`
	Amount    decimal.Decimal `json:"amount"`
	ValueUSD  decimal.Decimal `json:"valueUSD"`
	Status    string          `json:"status"`
	Venue     string          `json:"venue"`
	Reference string          `json:"reference,omitempty"`
}

// Source produces one stream of entries for an owner.
type Source interface {
	Name() string
	Entries(ctx context.Context, ownerID string) ([]Entry, error)
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query selects and pages entries. Zero values match everything.
type Query struct {
	Page      int
	Limit     int
	Search    string
	Type      EntryType
	Status    string
	AssetKind string
	From      time.Time
	To        time.Time
}

// Normalize fills in defaults and rejects out-of-range paging.
func (q Query) Normalize() (Query, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Page < 1 {
		return q, &redemption.ValidationError{Field: "page", Reason: "must be at least 1"}
	}
	if q.Limit < 1 || q.Limit > MaxLimit {
		return q, &redemption.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, &redemption.ValidationError{Field: "dateTo", Reason: "before dateFrom"}
	}
	return q, nil
}

func (q Query) matches(e Entry) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Status != "" && !strings.EqualFold(e.Status, q.Status) {
		return false
	}
	if q.AssetKind != "" && !strings.EqualFold(e.AssetKind, q.AssetKind) {
		return false
	}
	if !q.From.IsZero() && e.Date.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Date.After(q.To) {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(q.Search)); s != "" {
		haystack := strings.ToLower(strings.Join([]string{
			string(e.Type), e.Venue, e.Status, e.AssetKind, e.Reference,
		}, " "))
		if !strings.Contains(haystack, s) {
			return false
		}
	}
	return true
}

// Pagination describes where a page sits in the filtered feed.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Page is one page of the feed.
type Page struct {
	Data       []Entry    `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Cache stores an owner's merged, sorted feed.
type Cache interface {
	Get(ctx context.Context, ownerID string) ([]Entry, bool, error)
	Set(ctx context.Context, ownerID string, entries []Entry) error
	Invalidate(ctx context.Context, ownerID string) error
}

// Aggregator is the read-only history feed.
type Aggregator struct {
	sources []Source
	cache   Cache
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCache caches merged feeds.
func WithCache(c Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// NewAggregator merges the given sources.
func NewAggregator(sources []Source, opts ...Option) *Aggregator {
	a := &Aggregator{sources: sources, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "history")
	return a
}

// List returns one page of the owner's feed.
func (a *Aggregator) List(ctx context.Context, ownerID string, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	feed, err := a.feed(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	filtered := make([]Entry, 0, len(feed))
	for _, e := range feed {
		if q.matches(e) {
			filtered = append(filtered, e)
		}
	}
	return paginate(filtered, q.Page, q.Limit), nil
}

// Invalidate drops the cached feed for an owner.
func (a *Aggregator) Invalidate(ctx context.Context, ownerID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, ownerID); err != nil {
		a.logger.Warn("cache invalidate failed", "owner_id", ownerID, "error", err)
	}
}

func (a *Aggregator) feed(ctx context.Context, ownerID string) ([]Entry, error) {
	if a.cache != nil {
		entries, ok, err := a.cache.Get(ctx, ownerID)
		if err != nil {
			a.logger.Warn("cache read failed", "owner_id", ownerID, "error", err)
		} else if ok {
			return entries, nil
		}
	}

	var all []Entry
	for _, src := range a.sources {
		entries, err := src.Entries(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("history source %s: %w", src.Name(), err)
		}
		all = append(all, entries...)
	}
	Sort(all)

	if a.cache != nil {
		if err := a.cache.Set(ctx, ownerID, all); err != nil {
			a.logger.Warn("cache write failed", "owner_id", ownerID, "error", err)
		}
	}
	return all, nil
}

// Sort orders entries newest first. Ties break on type then id so pages are stable.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID > b.ID
	})
}

func paginate(entries []Entry, page, limit int) *Page {
	total := len(entries)
	totalPages := (total + limit - 1) / limit

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &Page{
		Data: append([]Entry{}, entries[start:end]...),
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}
}
