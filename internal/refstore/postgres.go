package refstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icsops/changeval/internal/model"
)

// PostgresStore is the reference-store adapter over the tickets and
// approved_patches tables the sync connectors write to. Every driver
// failure surfaces as ErrUnavailable so the engine never mistakes an
// outage for a no-match.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect reference database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping reference database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

const ticketColumns = `source, ticket_id, state, approval_status, asset_name,
	asset_name_normalized, short_description, scheduled_start, scheduled_end,
	actual_start, actual_end`

// FindTicket returns the ticket with the given identifier, or nil when
// unknown. When more than one source carries the identifier the earliest
// inserted row wins.
func (p *PostgresStore) FindTicket(ctx context.Context, ticketID string) (*model.TicketRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 ORDER BY source LIMIT 1`,
		ticketID)

	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ticket lookup %s: %v", ErrUnavailable, ticketID, err)
	}
	return ticket, nil
}

// FindTickets returns every known ticket for the given identifiers.
func (p *PostgresStore) FindTickets(ctx context.Context, ticketIDs []string) ([]*model.TicketRecord, error) {
	if len(ticketIDs) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ANY($1) ORDER BY array_position($1, ticket_id), source`,
		ticketIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: ticket batch lookup: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

// FindTicketsByAssetWindow returns tickets for the normalized asset whose
// scheduled or actual window overlaps [start, end].
func (p *PostgresStore) FindTicketsByAssetWindow(ctx context.Context, normalizedAsset string, start, end time.Time) ([]*model.TicketRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE asset_name_normalized = $1
		   AND COALESCE(actual_start, scheduled_start) <= $3
		   AND COALESCE(actual_end, scheduled_end, COALESCE(actual_start, scheduled_start) + interval '24 hours') >= $2
		 ORDER BY COALESCE(actual_start, scheduled_start)`,
		normalizedAsset, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: asset window lookup %s: %v", ErrUnavailable, normalizedAsset, err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

// FindApprovedPatch returns the approved-patch record for the identifier,
// or nil when unknown.
func (p *PostgresStore) FindApprovedPatch(ctx context.Context, patchID string) (*model.ApprovedPatch, error) {
	var patch model.ApprovedPatch
	err := p.pool.QueryRow(ctx,
		`SELECT patch_id, title, approved_for_groups, approval_date FROM approved_patches WHERE patch_id = $1`,
		patchID).Scan(&patch.PatchID, &patch.Title, &patch.ApprovedForGroups, &patch.ApprovalDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: patch lookup %s: %v", ErrUnavailable, patchID, err)
	}
	return &patch, nil
}

// UpsertTicket inserts or replaces a ticket, keyed by (source, ticket_id).
func (p *PostgresStore) UpsertTicket(ctx context.Context, ticket *model.TicketRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (source, ticket_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   approval_status = EXCLUDED.approval_status,
		   asset_name = EXCLUDED.asset_name,
		   asset_name_normalized = EXCLUDED.asset_name_normalized,
		   short_description = EXCLUDED.short_description,
		   scheduled_start = EXCLUDED.scheduled_start,
		   scheduled_end = EXCLUDED.scheduled_end,
		   actual_start = EXCLUDED.actual_start,
		   actual_end = EXCLUDED.actual_end`,
		ticket.Source, ticket.TicketID, ticket.State, ticket.ApprovalStatus,
		ticket.AssetName, ticket.AssetNameNormalized, ticket.ShortDescription,
		ticket.ScheduledStart, ticket.ScheduledEnd, ticket.ActualStart, ticket.ActualEnd)
	if err != nil {
		return fmt.Errorf("%w: upsert ticket %s: %v", ErrUnavailable, ticket.TicketID, err)
	}
	return nil
}

// UpsertApprovedPatch inserts or replaces an approved-patch record.
func (p *PostgresStore) UpsertApprovedPatch(ctx context.Context, patch *model.ApprovedPatch) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO approved_patches (patch_id, title, approved_for_groups, approval_date)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (patch_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   approved_for_groups = EXCLUDED.approved_for_groups,
		   approval_date = EXCLUDED.approval_date`,
		patch.PatchID, patch.Title, patch.ApprovedForGroups, patch.ApprovalDate)
	if err != nil {
		return fmt.Errorf("%w: upsert patch %s: %v", ErrUnavailable, patch.PatchID, err)
	}
	return nil
}

// Ping verifies database connectivity for the readiness endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*model.TicketRecord, error) {
	var t model.TicketRecord
	err := row.Scan(&t.Source, &t.TicketID, &t.State, &t.ApprovalStatus,
		&t.AssetName, &t.AssetNameNormalized, &t.ShortDescription,
		&t.ScheduledStart, &t.ScheduledEnd, &t.ActualStart, &t.ActualEnd)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTickets(rows pgx.Rows) ([]*model.TicketRecord, error) {
	var result []*model.TicketRecord
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan ticket row: %v", ErrUnavailable, err)
		}
		result = append(result, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate ticket rows: %v", ErrUnavailable, err)
	}
	return result, nil
}
