// Package engine implements the correlation engine: given one drift
// exception and the reference store, it decides whether the exception
// corresponds to an authorized change, with what confidence, and by which
// evidentiary path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/policy"
	"github.com/icsops/changeval/internal/refstore"
)

// Factor names recorded in the outcome's factor breakdown for audit.
const (
	FactorDirectTicket  = "direct_ticket_lookup"
	FactorAssetMatch    = "asset_match"
	FactorTimeWindow    = "time_window"
	FactorTightFit      = "tight_fit"
	FactorPatchApproval = "patch_approval"
	FactorAmbiguous     = "ambiguous_matches"
)

// closedVocabulary marks ticket states that indicate a successfully
// completed lifecycle. Ticketing-system vocabularies vary ("Closed
// Successful", "Closed Complete", "Implemented"), so states are matched
// by substring, with failure markers checked first.
var (
	closedVocabulary  = []string{"closed", "complete", "implemented"}
	failureVocabulary = []string{"unsuccessful", "incomplete", "cancel", "abort"}
)

// Engine evaluates the three evidentiary paths in fixed priority order.
// It is stateless and side-effect-free apart from read-only reference
// lookups, and safe for concurrent use.
type Engine struct {
	store  refstore.Store
	logger *slog.Logger
}

// New creates a correlation engine over the given reference store.
func New(store refstore.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Correlate evaluates the exception against the reference data under the
// given policy profile. The first qualifying path short-circuits the
// rest. A reference-store failure is returned as an error, never as a
// no-match outcome.
func (e *Engine) Correlate(ctx context.Context, exc *model.ExceptionRecord, prof policy.Profile) (*model.Outcome, error) {
	outcome, err := e.directTicketLookup(ctx, exc)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	outcome, err = e.assetTimeWindow(ctx, exc, prof)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	outcome, err = e.patchApprovalList(ctx, exc)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	return &model.Outcome{
		IsMatch:    false,
		Confidence: 0.0,
		Rule:       model.RuleNone,
	}, nil
}

// directTicketLookup is the highest-priority path: ticket identifiers
// extracted from the exception comment, looked up directly. Qualifying
// tickets must be approved and successfully closed. Returns nil when the
// path does not apply or nothing qualifies; identifiers that do not
// qualify are not held against the remaining paths.
func (e *Engine) directTicketLookup(ctx context.Context, exc *model.ExceptionRecord) (*model.Outcome, error) {
	if len(exc.TicketIDs) == 0 {
		return nil, nil
	}

	tickets, err := e.store.FindTickets(ctx, dedupe(exc.TicketIDs))
	if err != nil {
		return nil, fmt.Errorf("direct ticket lookup: %w", err)
	}

	var matched []string
	for _, t := range tickets {
		if t.ApprovalStatus == model.ApprovalApproved && stateIndicatesClosed(t.State) {
			matched = append(matched, t.TicketID)
		}
	}

	if len(matched) == 0 {
		e.logger.Debug("No qualifying tickets on direct lookup",
			"exception_id", exc.ID,
			"ticket_ids", exc.TicketIDs)
		return nil, nil
	}

	factors := map[string]float64{FactorDirectTicket: 1.0}
	if len(matched) > 1 {
		factors[FactorAmbiguous] = float64(len(matched))
	}

	e.logger.Info("Exception correlated via direct ticket lookup",
		"exception_id", exc.ID,
		"matched_tickets", matched)

	return &model.Outcome{
		IsMatch:          true,
		Confidence:       1.0,
		Rule:             model.RuleDirectTicket,
		MatchedTicketIDs: matched,
		Factors:          factors,
	}, nil
}

// assetTimeWindow is the secondary path: approved tickets for the same
// normalized asset whose execution window, expanded by the profile's
// buffer on both ends, contains the detection timestamp. A ticket whose
// raw window contains the timestamp is preferred as the primary match and
// earns the tight-fit bonus; both factors are binary, with no partial
// credit for near misses.
func (e *Engine) assetTimeWindow(ctx context.Context, exc *model.ExceptionRecord, prof policy.Profile) (*model.Outcome, error) {
	asset := exc.AssetNameNormalized
	if asset == "" {
		return nil, nil
	}

	buffer := prof.WindowBuffer()
	searchStart := exc.DetectedAt.Add(-buffer)
	searchEnd := exc.DetectedAt.Add(buffer)

	candidates, err := e.store.FindTicketsByAssetWindow(ctx, asset, searchStart, searchEnd)
	if err != nil {
		return nil, fmt.Errorf("asset window lookup: %w", err)
	}

	var qualifying []*model.TicketRecord
	var tight []*model.TicketRecord
	for _, t := range candidates {
		if t.ApprovalStatus != model.ApprovalApproved {
			continue
		}
		start, end, ok := t.Window()
		if !ok {
			continue
		}
		detected := exc.DetectedAt
		if detected.Before(start.Add(-buffer)) || detected.After(end.Add(buffer)) {
			continue
		}
		qualifying = append(qualifying, t)
		if !detected.Before(start) && !detected.After(end) {
			tight = append(tight, t)
		}
	}

	if len(qualifying) == 0 {
		return nil, nil
	}

	primary := qualifying[0]
	tightFit := false
	if len(tight) > 0 {
		primary = tight[0]
		tightFit = true
	}

	confidence := prof.AssetWeight + prof.TimeWeight
	factors := map[string]float64{
		FactorAssetMatch: prof.AssetWeight,
		FactorTimeWindow: prof.TimeWeight,
	}
	if tightFit {
		confidence += prof.TightFitBonus
		factors[FactorTightFit] = prof.TightFitBonus
	}
	if len(qualifying) > 1 {
		factors[FactorAmbiguous] = float64(len(qualifying))
	}

	// All qualifying tickets are retained as evidence, primary first.
	matched := []string{primary.TicketID}
	for _, t := range qualifying {
		if t != primary {
			matched = append(matched, t.TicketID)
		}
	}

	e.logger.Info("Exception correlated via asset time window",
		"exception_id", exc.ID,
		"asset", asset,
		"primary_ticket", primary.TicketID,
		"tight_fit", tightFit,
		"confidence", confidence)

	return &model.Outcome{
		IsMatch:          true,
		Confidence:       confidence,
		Rule:             model.RuleAssetWindow,
		MatchedTicketIDs: matched,
		Factors:          factors,
	}, nil
}

// patchApprovalList is the tertiary path, applicable only to patch
// exceptions: any vendor patch identifier present in the approved-patch
// reference is sufficient authorization on its own.
func (e *Engine) patchApprovalList(ctx context.Context, exc *model.ExceptionRecord) (*model.Outcome, error) {
	if exc.Kind != model.KindPatch {
		return nil, nil
	}

	var matched []string
	for _, id := range dedupe(exc.PatchIdentifiers()) {
		patch, err := e.store.FindApprovedPatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("approved patch lookup: %w", err)
		}
		if patch != nil {
			matched = append(matched, patch.PatchID)
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}

	e.logger.Info("Exception correlated via approved patch list",
		"exception_id", exc.ID,
		"matched_patches", matched)

	return &model.Outcome{
		IsMatch:         true,
		Confidence:      1.0,
		Rule:            model.RulePatchList,
		MatchedPatchIDs: matched,
		Factors:         map[string]float64{FactorPatchApproval: 1.0},
	}, nil
}

// stateIndicatesClosed reports whether a free-text ticket state indicates
// a successfully completed change.
func stateIndicatesClosed(state string) bool {
	s := strings.ToLower(state)
	for _, word := range failureVocabulary {
		if strings.Contains(s, word) {
			return false
		}
	}
	for _, word := range closedVocabulary {
		if strings.Contains(s, word) {
			return true
		}
	}
	return false
}

// dedupe drops repeated identifiers, preserving first-occurrence order.
// Extraction keeps duplicates as evidence; lookups do not need them.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	var unique []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}
