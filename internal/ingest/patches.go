package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/refstore"
)

// approvalDateFormats are the layouts produced by the patch-management
// export script.
var approvalDateFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006",
	time.RFC3339,
}

// PatchImporter loads approved-patch CSV exports into the reference
// store. Expected columns: KBNumber, Title, ApprovalDate, TargetGroups
// (semicolon separated).
type PatchImporter struct {
	store  refstore.Upserter
	logger *slog.Logger
}

// NewPatchImporter creates an importer writing to the given store.
func NewPatchImporter(store refstore.Upserter, logger *slog.Logger) *PatchImporter {
	return &PatchImporter{store: store, logger: logger}
}

// Import reads a CSV export and upserts every patch with a usable
// identifier. Returns the number of patches imported.
func (p *PatchImporter) Import(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\uFEFF")
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	imported := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.logger.Warn("Skipping unreadable patch row", "error", err)
			continue
		}

		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		patchID := NormalizePatchID(field("kbnumber"))
		if patchID == "" {
			continue
		}

		patch := &model.ApprovedPatch{
			PatchID:           patchID,
			Title:             field("title"),
			ApprovedForGroups: parseGroups(field("targetgroups")),
			ApprovalDate:      parseApprovalDate(field("approvaldate")),
		}
		if err := p.store.UpsertApprovedPatch(ctx, patch); err != nil {
			return imported, fmt.Errorf("failed to upsert patch %s: %w", patchID, err)
		}
		imported++
	}

	p.logger.Info("Imported approved patches", "count", imported)
	return imported, nil
}

// NormalizePatchID canonicalizes a vendor patch identifier: uppercase,
// internal spaces and dashes removed, KB prefix ensured for bare
// numbers. "KB 5062070", "kb-5062070" and "5062070" all become
// "KB5062070".
func NormalizePatchID(value string) string {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, " ", "")
	v = strings.ReplaceAll(v, "-", "")
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "KB") {
		v = "KB" + v
	}
	return v
}

func parseGroups(value string) []string {
	if value == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(value, ";") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

func parseApprovalDate(value string) time.Time {
	for _, layout := range approvalDateFormats {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t
		}
	}
	return time.Time{}
}
