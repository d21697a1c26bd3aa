package refstore

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/icsops/changeval/internal/model"
)

// CachedStore is a read-through LRU decorator for point lookups. Direct
// ticket references repeat heavily across a bulk export (one maintenance
// ticket covers dozens of exceptions), so ticket-by-ID and patch-by-ID
// hits are cached with a TTL. Window queries bypass the cache.
type CachedStore struct {
	inner   Store
	tickets *lru.Cache[string, cachedTicket]
	patches *lru.Cache[string, cachedPatch]
	ttl     time.Duration
}

type cachedTicket struct {
	record  *model.TicketRecord
	fetched time.Time
}

type cachedPatch struct {
	record  *model.ApprovedPatch
	fetched time.Time
}

// NewCachedStore wraps inner with LRU caches of the given capacity.
// Negative lookups are cached too: an identifier absent from the ticketing
// system stays absent for the length of a sync interval.
func NewCachedStore(inner Store, capacity int, ttl time.Duration) (*CachedStore, error) {
	tickets, err := lru.New[string, cachedTicket](capacity)
	if err != nil {
		return nil, err
	}
	patches, err := lru.New[string, cachedPatch](capacity)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, tickets: tickets, patches: patches, ttl: ttl}, nil
}

// FindTicket returns the cached record when fresh, otherwise reads
// through. Lookup failures are never cached.
func (c *CachedStore) FindTicket(ctx context.Context, ticketID string) (*model.TicketRecord, error) {
	if entry, ok := c.tickets.Get(ticketID); ok && time.Since(entry.fetched) < c.ttl {
		return entry.record, nil
	}

	record, err := c.inner.FindTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c.tickets.Add(ticketID, cachedTicket{record: record, fetched: time.Now()})
	return record, nil
}

// FindTickets resolves each identifier through the single-ticket cache.
func (c *CachedStore) FindTickets(ctx context.Context, ticketIDs []string) ([]*model.TicketRecord, error) {
	var result []*model.TicketRecord
	for _, id := range ticketIDs {
		record, err := c.FindTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			result = append(result, record)
		}
	}
	return result, nil
}

// FindTicketsByAssetWindow delegates to the inner store; window queries
// are not cacheable by identifier.
func (c *CachedStore) FindTicketsByAssetWindow(ctx context.Context, normalizedAsset string, start, end time.Time) ([]*model.TicketRecord, error) {
	return c.inner.FindTicketsByAssetWindow(ctx, normalizedAsset, start, end)
}

// FindApprovedPatch returns the cached record when fresh, otherwise reads
// through.
func (c *CachedStore) FindApprovedPatch(ctx context.Context, patchID string) (*model.ApprovedPatch, error) {
	if entry, ok := c.patches.Get(patchID); ok && time.Since(entry.fetched) < c.ttl {
		return entry.record, nil
	}

	record, err := c.inner.FindApprovedPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	c.patches.Add(patchID, cachedPatch{record: record, fetched: time.Now()})
	return record, nil
}

// Invalidate drops cached entries after a reference sync so fresh upserts
// become visible immediately.
func (c *CachedStore) Invalidate() {
	c.tickets.Purge()
	c.patches.Purge()
}
