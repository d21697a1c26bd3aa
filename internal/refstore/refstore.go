// Package refstore defines the reference-data lookup capability the
// correlation engine depends on: change tickets by identifier or by asset
// and time window, and vendor-approved patches by identifier. The engine
// is read-only against it; connectors feed it through the upsert methods.
package refstore

import (
	"context"
	"errors"
	"time"

	"github.com/icsops/changeval/internal/model"
)

// ErrUnavailable reports that a reference lookup could not be completed
// (source down, timeout). It is never coerced into a no-match: a
// correlation that cannot be computed must not be recorded as a negative
// finding.
var ErrUnavailable = errors.New("reference store unavailable")

// Store is the reference-store adapter. FindTicket and FindApprovedPatch
// return (nil, nil) when the identifier is simply unknown; every
// implementation failure wraps ErrUnavailable. Implementations must
// support concurrent reads.
type Store interface {
	FindTicket(ctx context.Context, ticketID string) (*model.TicketRecord, error)
	FindTickets(ctx context.Context, ticketIDs []string) ([]*model.TicketRecord, error)
	FindTicketsByAssetWindow(ctx context.Context, normalizedAsset string, start, end time.Time) ([]*model.TicketRecord, error)
	FindApprovedPatch(ctx context.Context, patchID string) (*model.ApprovedPatch, error)
}

// Upserter is the write side used by the sync connectors. The correlation
// engine never touches it.
type Upserter interface {
	UpsertTicket(ctx context.Context, ticket *model.TicketRecord) error
	UpsertApprovedPatch(ctx context.Context, patch *model.ApprovedPatch) error
}
