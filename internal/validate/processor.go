// Package validate turns correlation outcomes into validation results
// and dispositions, and manages the manual review workflow.
package validate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icsops/changeval/internal/engine"
	"github.com/icsops/changeval/internal/extract"
	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/normalize"
	"github.com/icsops/changeval/internal/policy"
	"github.com/icsops/changeval/internal/refstore"
)

// DefaultWorkers bounds batch parallelism when no worker count is given.
const DefaultWorkers = 4

// Processor runs exceptions through the correlation engine and assigns
// dispositions according to the active policy profile.
type Processor struct {
	engine      *engine.Engine
	policies    *policy.Loader
	profileName string
	workers     int
	logger      *slog.Logger
}

// NewProcessor creates a processor using the named policy profile. An
// unknown name falls back to the built-in default profile at evaluation
// time. workers bounds batch parallelism; values below 1 use
// DefaultWorkers.
func NewProcessor(eng *engine.Engine, policies *policy.Loader, profileName string, workers int, logger *slog.Logger) *Processor {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Processor{
		engine:      eng,
		policies:    policies,
		profileName: profileName,
		workers:     workers,
		logger:      logger,
	}
}

// Process validates a single exception and returns its result. Failures
// are folded into the result as an indeterminate disposition rather than
// returned, so one bad record never aborts a batch.
func (p *Processor) Process(ctx context.Context, exc *model.ExceptionRecord) *model.ValidationResult {
	result := &model.ValidationResult{
		ID:          uuid.New().String(),
		ExceptionID: exc.ID,
		Kind:        exc.Kind,
		AssetName:   exc.AssetName,
		ProcessedAt: time.Now().UTC(),
	}

	metrics.IncExceptionsProcessed()

	// Records submitted over HTTP or the bus arrive without the derived
	// fields; the CSV decoder computes both at ingestion.
	if exc.AssetNameNormalized == "" && exc.AssetName != "" {
		exc.AssetNameNormalized = normalize.AssetName(exc.AssetName)
	}
	if exc.TicketIDs == nil && exc.Comment != "" {
		exc.TicketIDs = extract.TicketIDs(exc.Comment)
	}

	if err := exc.Validate(); err != nil {
		metrics.IncExceptionsInvalid()
		p.logger.Warn("Rejecting malformed exception record",
			"exception_id", exc.ID,
			"error", err)
		result.Disposition = model.DispositionIndeterminate
		result.RecommendedStatus = model.StatusPending
		result.Error = err.Error()
		metrics.IncResultsByDisposition(string(result.Disposition))
		return result
	}

	prof := p.policies.Profile(p.profileName)

	start := time.Now()
	outcome, err := p.engine.Correlate(ctx, exc, prof)
	metrics.ObserveCorrelationDuration(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, refstore.ErrUnavailable) {
			metrics.IncReferenceLookupFailures()
		}
		p.logger.Error("Correlation failed",
			"exception_id", exc.ID,
			"error", err)
		result.Disposition = model.DispositionIndeterminate
		result.RecommendedStatus = model.StatusPending
		result.Error = err.Error()
		metrics.IncResultsByDisposition(string(result.Disposition))
		return result
	}

	result.Outcome = outcome
	result.Disposition = p.disposition(outcome, prof)
	result.RecommendedStatus = recommendedStatus(result.Disposition)

	// Only the auto-validated disposition updates the record itself.
	// Everything else leaves the record pending for a human decision.
	if result.Disposition == model.DispositionAutoValidated {
		exc.Status = model.StatusValidated
	}

	metrics.IncResultsByDisposition(string(result.Disposition))
	return result
}

// ProcessBatch validates a slice of exceptions with bounded parallelism.
// Cancellation is honored between records: results produced before the
// context was cancelled are retained and summarized, and ctx.Err() is
// returned alongside them.
func (p *Processor) ProcessBatch(ctx context.Context, excs []*model.ExceptionRecord) (*model.BatchSummary, []*model.ValidationResult, error) {
	batchID := uuid.New().String()
	started := time.Now().UTC()

	slots := make([]*model.ValidationResult, len(excs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := p.Process(ctx, excs[i])
				res.BatchID = batchID
				slots[i] = res
			}
		}()
	}

feed:
	for i := range excs {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	summary := &model.BatchSummary{
		BatchID:    batchID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	var results []*model.ValidationResult
	for _, res := range slots {
		if res == nil {
			continue
		}
		results = append(results, res)
		summary.Count(res)
	}

	metrics.IncBatchesProcessed()
	p.logger.Info("Batch processed",
		"batch_id", batchID,
		"submitted", len(excs),
		"processed", len(results),
		"auto_validated", summary.AutoValidated,
		"manual_review", summary.ManualReview,
		"potentially_unauthorized", summary.Unauthorized,
		"indeterminate", summary.Indeterminate)

	return summary, results, ctx.Err()
}

// disposition maps an outcome onto a disposition under the profile's
// thresholds. The direct ticket and patch approval paths are
// authoritative; only the asset window path is threshold-graded.
func (p *Processor) disposition(outcome *model.Outcome, prof policy.Profile) model.Disposition {
	if !outcome.IsMatch {
		return model.DispositionUnauthorized
	}
	switch outcome.Rule {
	case model.RuleDirectTicket, model.RulePatchList:
		return model.DispositionAutoValidated
	case model.RuleAssetWindow:
		switch {
		case outcome.Confidence >= prof.AutoValidateFloor:
			return model.DispositionAutoValidated
		case outcome.Confidence >= prof.ReviewFloor:
			return model.DispositionManualReview
		default:
			return model.DispositionUnauthorized
		}
	default:
		return model.DispositionUnauthorized
	}
}

// recommendedStatus suggests the record status a reviewer would set for
// the disposition. Only auto-validation is applied automatically.
func recommendedStatus(d model.Disposition) model.ValidationStatus {
	switch d {
	case model.DispositionAutoValidated:
		return model.StatusValidated
	case model.DispositionManualReview:
		return model.StatusInvestigating
	case model.DispositionUnauthorized:
		return model.StatusUnauthorized
	default:
		return model.StatusPending
	}
}
