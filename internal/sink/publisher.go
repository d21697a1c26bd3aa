// Package sink publishes validation results and batch summaries to NATS
// for downstream consumers (dashboards, SIEM forwarders).
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/icsops/changeval/internal/model"
)

// NATS subjects for published validation output.
const (
	SubjectResults = "validation.results"
	SubjectSummary = "validation.summary"
)

// ResultPublisher handles publishing validation results to NATS
type ResultPublisher struct {
	natsConn *nats.Conn
	logger   *slog.Logger
}

// NewResultPublisher creates a new result publisher
func NewResultPublisher(natsConn *nats.Conn, logger *slog.Logger) *ResultPublisher {
	return &ResultPublisher{
		natsConn: natsConn,
		logger:   logger,
	}
}

// PublishResult publishes a single validation result.
func (rp *ResultPublisher) PublishResult(result *model.ValidationResult) error {
	if rp.natsConn == nil || !rp.natsConn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-result-id", result.ID)
	headers.Set("x-batch-id", result.BatchID)
	headers.Set("x-exception-id", result.ExceptionID)
	headers.Set("x-disposition", string(result.Disposition))
	headers.Set("x-kind", string(result.Kind))

	msg := &nats.Msg{
		Subject: SubjectResults,
		Data:    resultJSON,
		Header:  headers,
	}

	if err := rp.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	rp.logger.Debug("Published validation result",
		"result_id", result.ID,
		"exception_id", result.ExceptionID,
		"disposition", result.Disposition,
		"subject", SubjectResults)

	return nil
}

// PublishResults publishes multiple results, continuing past individual
// failures.
func (rp *ResultPublisher) PublishResults(results []*model.ValidationResult) error {
	var errs []error
	successCount := 0

	for _, result := range results {
		if err := rp.PublishResult(result); err != nil {
			errs = append(errs, fmt.Errorf("result %s: %w", result.ID, err))
		} else {
			successCount++
		}
	}

	rp.logger.Info("Published results batch",
		"total", len(results),
		"successful", successCount,
		"failed", len(errs))

	if len(errs) > 0 {
		return fmt.Errorf("failed to publish %d results: %v", len(errs), errs)
	}
	return nil
}

// PublishSummary publishes a batch summary.
func (rp *ResultPublisher) PublishSummary(summary *model.BatchSummary) error {
	if rp.natsConn == nil || !rp.natsConn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-batch-id", summary.BatchID)

	msg := &nats.Msg{
		Subject: SubjectSummary,
		Data:    summaryJSON,
		Header:  headers,
	}

	if err := rp.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish summary: %w", err)
	}

	rp.logger.Info("Published batch summary",
		"batch_id", summary.BatchID,
		"total", summary.Total,
		"auto_validated", summary.AutoValidated,
		"subject", SubjectSummary)

	return nil
}

// PublishResultWithRetry publishes a result with retry logic.
func (rp *ResultPublisher) PublishResultWithRetry(result *model.ValidationResult, maxRetries int, retryDelay time.Duration) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := rp.PublishResult(result); err != nil {
			lastErr = err
			if attempt < maxRetries {
				rp.logger.Warn("Failed to publish result, retrying",
					"result_id", result.ID,
					"attempt", attempt+1,
					"max_retries", maxRetries,
					"error", err)
				time.Sleep(retryDelay)
				continue
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("failed to publish result after %d attempts: %w", maxRetries+1, lastErr)
}
