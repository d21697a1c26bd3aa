package refstore

import (
	"context"
	"sync"
	"time"

	"github.com/icsops/changeval/internal/model"
)

// MemoryStore is a thread-safe in-memory reference store. It backs tests
// and the deployment mode where connectors stream reference data in over
// the bus instead of the service querying a database.
type MemoryStore struct {
	mu sync.RWMutex

	// tickets are keyed by ticket ID; the same identifier may arrive from
	// more than one source system and the copies are kept side by side.
	tickets map[string][]*model.TicketRecord

	// byAsset indexes tickets by normalized asset name.
	byAsset map[string][]*model.TicketRecord

	patches map[string]*model.ApprovedPatch
}

// NewMemoryStore creates an empty in-memory reference store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string][]*model.TicketRecord),
		byAsset: make(map[string][]*model.TicketRecord),
		patches: make(map[string]*model.ApprovedPatch),
	}
}

// UpsertTicket inserts or replaces a ticket. Replacement is scoped to
// (source, ticket ID) so sources never clobber each other.
func (s *MemoryStore) UpsertTicket(_ context.Context, ticket *model.TicketRecord) error {
	if ticket == nil || ticket.TicketID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.tickets[ticket.TicketID]
	replaced := false
	for i, t := range existing {
		if t.Source == ticket.Source {
			s.removeFromAssetIndex(t)
			existing[i] = ticket
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, ticket)
	}
	s.tickets[ticket.TicketID] = existing

	if ticket.AssetNameNormalized != "" {
		s.byAsset[ticket.AssetNameNormalized] = append(s.byAsset[ticket.AssetNameNormalized], ticket)
	}
	return nil
}

// UpsertApprovedPatch inserts or replaces an approved-patch record.
func (s *MemoryStore) UpsertApprovedPatch(_ context.Context, patch *model.ApprovedPatch) error {
	if patch == nil || patch.PatchID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches[patch.PatchID] = patch
	return nil
}

// FindTicket returns the first known ticket with the given identifier, or
// nil when unknown.
func (s *MemoryStore) FindTicket(_ context.Context, ticketID string) (*model.TicketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if records := s.tickets[ticketID]; len(records) > 0 {
		return records[0], nil
	}
	return nil, nil
}

// FindTickets returns every known ticket for the given identifiers, in
// request order then insertion order. Unknown identifiers are skipped.
func (s *MemoryStore) FindTickets(_ context.Context, ticketIDs []string) ([]*model.TicketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TicketRecord
	for _, id := range ticketIDs {
		result = append(result, s.tickets[id]...)
	}
	return result, nil
}

// FindTicketsByAssetWindow returns tickets for the normalized asset whose
// scheduled or actual window overlaps [start, end].
func (s *MemoryStore) FindTicketsByAssetWindow(_ context.Context, normalizedAsset string, start, end time.Time) ([]*model.TicketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TicketRecord
	for _, t := range s.byAsset[normalizedAsset] {
		ws, we, ok := t.Window()
		if !ok {
			continue
		}
		if we.Before(start) || ws.After(end) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// FindApprovedPatch returns the approved-patch record for the identifier,
// or nil when unknown.
func (s *MemoryStore) FindApprovedPatch(_ context.Context, patchID string) (*model.ApprovedPatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.patches[patchID], nil
}

// Stats returns store counters for the health endpoints.
func (s *MemoryStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, records := range s.tickets {
		count += len(records)
	}
	return map[string]int{
		"tickets": count,
		"patches": len(s.patches),
	}
}

func (s *MemoryStore) removeFromAssetIndex(ticket *model.TicketRecord) {
	if ticket.AssetNameNormalized == "" {
		return
	}
	indexed := s.byAsset[ticket.AssetNameNormalized]
	for i, t := range indexed {
		if t == ticket {
			s.byAsset[ticket.AssetNameNormalized] = append(indexed[:i], indexed[i+1:]...)
			return
		}
	}
}
