package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/policy"
	"github.com/icsops/changeval/internal/refstore"
)

// mockStore is a scripted reference store that counts calls per lookup
// so tests can assert short-circuit behavior.
type mockStore struct {
	tickets       map[string]*model.TicketRecord
	windowTickets []*model.TicketRecord
	patches       map[string]*model.ApprovedPatch
	err           error

	findTicketsCalls int
	windowCalls      int
	patchCalls       int
}

func (m *mockStore) FindTicket(_ context.Context, ticketID string) (*model.TicketRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tickets[ticketID], nil
}

func (m *mockStore) FindTickets(_ context.Context, ticketIDs []string) ([]*model.TicketRecord, error) {
	m.findTicketsCalls++
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.TicketRecord
	for _, id := range ticketIDs {
		if t, ok := m.tickets[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) FindTicketsByAssetWindow(_ context.Context, _ string, _, _ time.Time) ([]*model.TicketRecord, error) {
	m.windowCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.windowTickets, nil
}

func (m *mockStore) FindApprovedPatch(_ context.Context, patchID string) (*model.ApprovedPatch, error) {
	m.patchCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.patches[patchID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func timePtr(t time.Time) *time.Time { return &t }

func softwareException(detectedAt time.Time) *model.ExceptionRecord {
	return &model.ExceptionRecord{
		ID:                  "exc-1",
		Kind:                model.KindSoftware,
		Action:              model.ActionNew,
		AssetName:           "SCADA-HIST01",
		AssetNameNormalized: "scadahist01",
		DetectedAt:          detectedAt,
		Status:              model.StatusPending,
		Detail:              &model.SoftwareDetail{SoftwareName: "Acme Agent"},
	}
}

func TestCorrelateDirectTicketLookup(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 47, 47, 0, time.UTC)
	store := &mockStore{
		tickets: map[string]*model.TicketRecord{
			"CHG0000338290": {
				Source:         "servicenow",
				TicketID:       "CHG0000338290",
				State:          "Closed Successful",
				ApprovalStatus: model.ApprovalApproved,
			},
		},
	}

	exc := softwareException(detected)
	exc.Comment = "Activity from DSCADA Monthly Patching: CHG0000338290"
	exc.TicketIDs = []string{"CHG0000338290"}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), exc, policy.Default())
	require.NoError(t, err)

	assert.True(t, outcome.IsMatch)
	assert.Equal(t, 1.0, outcome.Confidence)
	assert.Equal(t, model.RuleDirectTicket, outcome.Rule)
	assert.Equal(t, []string{"CHG0000338290"}, outcome.MatchedTicketIDs)
	assert.Equal(t, 1.0, outcome.Factors[FactorDirectTicket])

	// The first path matched, so the rest never ran.
	assert.Equal(t, 1, store.findTicketsCalls)
	assert.Equal(t, 0, store.windowCalls)
	assert.Equal(t, 0, store.patchCalls)
}

func TestCorrelateDirectLookupRejectsUnsuccessfulClose(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{
		tickets: map[string]*model.TicketRecord{
			"CHG0000000001": {
				TicketID:       "CHG0000000001",
				State:          "Closed Unsuccessful",
				ApprovalStatus: model.ApprovalApproved,
			},
		},
	}

	exc := softwareException(detected)
	exc.TicketIDs = []string{"CHG0000000001"}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), exc, policy.Default())
	require.NoError(t, err)

	assert.False(t, outcome.IsMatch)
	assert.Equal(t, model.RuleNone, outcome.Rule)
	// Falls through to the window path instead of stopping.
	assert.Equal(t, 1, store.windowCalls)
}

func TestCorrelateDirectLookupAmbiguity(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{
		tickets: map[string]*model.TicketRecord{
			"CHG0000000001": {TicketID: "CHG0000000001", State: "Closed Complete", ApprovalStatus: model.ApprovalApproved},
			"CHG0000000002": {TicketID: "CHG0000000002", State: "Implemented", ApprovalStatus: model.ApprovalApproved},
		},
	}

	exc := softwareException(detected)
	exc.TicketIDs = []string{"CHG0000000001", "CHG0000000002"}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), exc, policy.Default())
	require.NoError(t, err)

	assert.True(t, outcome.IsMatch)
	assert.Len(t, outcome.MatchedTicketIDs, 2)
	assert.Equal(t, 2.0, outcome.Factors[FactorAmbiguous])
}

func TestCorrelateAssetTimeWindow(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	prof := policy.Default()

	tests := []struct {
		name           string
		start, end     time.Time
		wantConfidence float64
		wantTight      bool
	}{
		{
			name:           "tight fit earns bonus",
			start:          detected.Add(-2 * time.Hour),
			end:            detected.Add(2 * time.Hour),
			wantConfidence: prof.AssetWeight + prof.TimeWeight + prof.TightFitBonus,
			wantTight:      true,
		},
		{
			name:           "buffered fit meets the auto floor exactly",
			start:          detected.Add(2 * time.Hour),
			end:            detected.Add(6 * time.Hour),
			wantConfidence: prof.AssetWeight + prof.TimeWeight,
			wantTight:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{
				windowTickets: []*model.TicketRecord{{
					TicketID:            "CHG0000555001",
					State:               "Closed Successful",
					ApprovalStatus:      model.ApprovalApproved,
					AssetNameNormalized: "scadahist01",
					ScheduledStart:      timePtr(tt.start),
					ScheduledEnd:        timePtr(tt.end),
				}},
			}

			eng := New(store, testLogger())
			outcome, err := eng.Correlate(context.Background(), softwareException(detected), prof)
			require.NoError(t, err)

			assert.True(t, outcome.IsMatch)
			assert.Equal(t, model.RuleAssetWindow, outcome.Rule)
			assert.InDelta(t, tt.wantConfidence, outcome.Confidence, 1e-9)
			assert.Equal(t, []string{"CHG0000555001"}, outcome.MatchedTicketIDs)
			assert.Equal(t, prof.AssetWeight, outcome.Factors[FactorAssetMatch])
			assert.Equal(t, prof.TimeWeight, outcome.Factors[FactorTimeWindow])
			if tt.wantTight {
				assert.Equal(t, prof.TightFitBonus, outcome.Factors[FactorTightFit])
			} else {
				assert.NotContains(t, outcome.Factors, FactorTightFit)
			}
			assert.GreaterOrEqual(t, outcome.Confidence, prof.AutoValidateFloor)
		})
	}
}

func TestCorrelateAssetWindowOutsideBuffer(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{
		windowTickets: []*model.TicketRecord{{
			TicketID:            "CHG0000555002",
			ApprovalStatus:      model.ApprovalApproved,
			AssetNameNormalized: "scadahist01",
			ScheduledStart:      timePtr(detected.Add(-50 * time.Hour)),
			ScheduledEnd:        timePtr(detected.Add(-49 * time.Hour)),
		}},
	}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), softwareException(detected), policy.Default())
	require.NoError(t, err)

	assert.False(t, outcome.IsMatch)
	assert.Equal(t, model.RuleNone, outcome.Rule)
	assert.Equal(t, 0.0, outcome.Confidence)
}

func TestCorrelatePatchApprovalList(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{
		patches: map[string]*model.ApprovedPatch{
			"KB5062070": {PatchID: "KB5062070", Title: "Security Update"},
		},
	}

	exc := &model.ExceptionRecord{
		ID:                  "exc-2",
		Kind:                model.KindPatch,
		Action:              model.ActionNew,
		AssetName:           "SCADA-HIST01",
		AssetNameNormalized: "scadahist01",
		DetectedAt:          detected,
		Status:              model.StatusPending,
		Detail: &model.PatchDetail{
			PatchID:  "KB5062070",
			PatchIDs: []string{"KB5062070"},
		},
	}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), exc, policy.Default())
	require.NoError(t, err)

	assert.True(t, outcome.IsMatch)
	assert.Equal(t, 1.0, outcome.Confidence)
	assert.Equal(t, model.RulePatchList, outcome.Rule)
	assert.Equal(t, []string{"KB5062070"}, outcome.MatchedPatchIDs)
}

func TestCorrelatePatchPathSkippedForOtherKinds(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), softwareException(detected), policy.Default())
	require.NoError(t, err)

	assert.False(t, outcome.IsMatch)
	assert.Equal(t, 0, store.patchCalls)
}

func TestCorrelateStoreUnavailable(t *testing.T) {
	detected := time.Date(2025, 8, 29, 11, 0, 0, 0, time.UTC)
	store := &mockStore{err: refstore.ErrUnavailable}

	exc := softwareException(detected)
	exc.TicketIDs = []string{"CHG0000338290"}

	eng := New(store, testLogger())
	outcome, err := eng.Correlate(context.Background(), exc, policy.Default())

	require.Error(t, err)
	assert.True(t, errors.Is(err, refstore.ErrUnavailable))
	assert.Nil(t, outcome)
}

func TestStateIndicatesClosed(t *testing.T) {
	tests := []struct {
		state    string
		expected bool
	}{
		{"Closed Successful", true},
		{"Closed Complete", true},
		{"Implemented", true},
		{"Closed Unsuccessful", false},
		{"Closed Incomplete", false},
		{"Cancelled", false},
		{"In Progress", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			assert.Equal(t, tt.expected, stateIndicatesClosed(tt.state))
		})
	}
}
