package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icsops/changeval/internal/refstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPatchImporterImport(t *testing.T) {
	csvData := "\uFEFF" + `KBNumber,Title,Classification,ApprovalDate,TargetGroups
KB5062070,Security Update for Windows,Security,2025-01-13 10:00:00,OT Servers;SCADA;All_Windows
kb-5062071,Cumulative Update,Critical,1/14/2025,OT Servers
5062072,Servicing Stack Update,Security,2025-01-15,
,Missing identifier,Security,2025-01-16,OT Servers
`

	store := refstore.NewMemoryStore()
	importer := NewPatchImporter(store, testLogger())

	count, err := importer.Import(context.Background(), strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	patch, err := store.FindApprovedPatch(context.Background(), "KB5062070")
	require.NoError(t, err)
	require.NotNil(t, patch)
	assert.Equal(t, "Security Update for Windows", patch.Title)
	assert.Equal(t, []string{"OT Servers", "SCADA", "All_Windows"}, patch.ApprovedForGroups)
	assert.Equal(t, time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC), patch.ApprovalDate)

	// Dashed and bare identifiers were canonicalized on import.
	dashed, err := store.FindApprovedPatch(context.Background(), "KB5062071")
	require.NoError(t, err)
	assert.NotNil(t, dashed)

	bare, err := store.FindApprovedPatch(context.Background(), "KB5062072")
	require.NoError(t, err)
	require.NotNil(t, bare)
	assert.Empty(t, bare.ApprovedForGroups)
}

func TestNormalizePatchID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"KB5062070", "KB5062070"},
		{"kb5062070", "KB5062070"},
		{"KB 5062070", "KB5062070"},
		{"kb-5062070", "KB5062070"},
		{"5062070", "KB5062070"},
		{"  KB5062070  ", "KB5062070"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePatchID(tt.input))
		})
	}
}
