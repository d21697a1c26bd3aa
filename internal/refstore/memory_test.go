package refstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icsops/changeval/internal/model"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestMemoryStoreUpsertAndFind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ticket := &model.TicketRecord{
		Source:         "servicenow",
		TicketID:       "CHG0000338290",
		State:          "Closed Successful",
		ApprovalStatus: model.ApprovalApproved,
	}
	require.NoError(t, store.UpsertTicket(ctx, ticket))

	found, err := store.FindTicket(ctx, "CHG0000338290")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "servicenow", found.Source)

	missing, err := store.FindTicket(ctx, "CHG0000999999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStoreUpsertReplacesPerSource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source: "servicenow", TicketID: "CHG0000000001", State: "New",
	}))
	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source: "mantis", TicketID: "CHG0000000001", State: "Open",
	}))
	// Same source and ID replaces instead of duplicating.
	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source: "servicenow", TicketID: "CHG0000000001", State: "Closed Successful",
	}))

	tickets, err := store.FindTickets(ctx, []string{"CHG0000000001"})
	require.NoError(t, err)
	require.Len(t, tickets, 2)

	states := map[string]string{}
	for _, ticket := range tickets {
		states[ticket.Source] = ticket.State
	}
	assert.Equal(t, "Closed Successful", states["servicenow"])
	assert.Equal(t, "Open", states["mantis"])
}

func TestMemoryStoreFindTicketsByAssetWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2025, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source:              "servicenow",
		TicketID:            "CHG0000000001",
		AssetNameNormalized: "scadahist01",
		ScheduledStart:      timePtr(base),
		ScheduledEnd:        timePtr(base.Add(4 * time.Hour)),
	}))
	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source:              "servicenow",
		TicketID:            "CHG0000000002",
		AssetNameNormalized: "otherasset",
		ScheduledStart:      timePtr(base),
	}))
	require.NoError(t, store.UpsertTicket(ctx, &model.TicketRecord{
		Source:              "servicenow",
		TicketID:            "CHG0000000003",
		AssetNameNormalized: "scadahist01",
		ScheduledStart:      timePtr(base.Add(-100 * time.Hour)),
		ScheduledEnd:        timePtr(base.Add(-99 * time.Hour)),
	}))

	tickets, err := store.FindTicketsByAssetWindow(ctx, "scadahist01", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "CHG0000000001", tickets[0].TicketID)

	none, err := store.FindTicketsByAssetWindow(ctx, "unknownasset", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreApprovedPatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.UpsertApprovedPatch(ctx, &model.ApprovedPatch{
		PatchID:      "KB5062070",
		Title:        "Security Update",
		ApprovalDate: time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC),
	}))

	patch, err := store.FindApprovedPatch(ctx, "KB5062070")
	require.NoError(t, err)
	require.NotNil(t, patch)
	assert.Equal(t, "Security Update", patch.Title)

	missing, err := store.FindApprovedPatch(ctx, "KB9999999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.UpsertTicket(ctx, &model.TicketRecord{
		Source: "servicenow", TicketID: "CHG0000000001", State: "Closed Successful",
	}))

	cached, err := NewCachedStore(mem, 16, time.Minute)
	require.NoError(t, err)

	found, err := cached.FindTicket(ctx, "CHG0000000001")
	require.NoError(t, err)
	require.NotNil(t, found)

	// Negative lookups are cached too; an upsert plus invalidate makes
	// the new ticket visible.
	missing, err := cached.FindTicket(ctx, "CHG0000000002")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, mem.UpsertTicket(ctx, &model.TicketRecord{
		Source: "servicenow", TicketID: "CHG0000000002", State: "New",
	}))

	stillMissing, err := cached.FindTicket(ctx, "CHG0000000002")
	require.NoError(t, err)
	assert.Nil(t, stillMissing)

	cached.Invalidate()
	nowFound, err := cached.FindTicket(ctx, "CHG0000000002")
	require.NoError(t, err)
	assert.NotNil(t, nowFound)
}
