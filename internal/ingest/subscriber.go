package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/resultstore"
	"github.com/icsops/changeval/internal/sink"
	"github.com/icsops/changeval/internal/validate"
)

// SubjectExceptions carries bulk exception batches from the
// asset-monitoring platform's export bridge.
const SubjectExceptions = "exceptions.bulk"

// ExceptionSubscriber handles the NATS subscription for incoming
// exception batches: parse, validate, store, publish.
type ExceptionSubscriber struct {
	nc        *nats.Conn
	processor *validate.Processor
	results   *resultstore.MemoryStore
	publisher *sink.ResultPublisher
	logger    *slog.Logger
	queue     string

	sub *nats.Subscription
}

// NewExceptionSubscriber creates a new exception subscriber. publisher
// may be nil when downstream publishing is disabled.
func NewExceptionSubscriber(nc *nats.Conn, processor *validate.Processor, results *resultstore.MemoryStore, publisher *sink.ResultPublisher, queue string, logger *slog.Logger) *ExceptionSubscriber {
	return &ExceptionSubscriber{
		nc:        nc,
		processor: processor,
		results:   results,
		publisher: publisher,
		logger:    logger,
		queue:     queue,
	}
}

// Subscribe starts listening for exception batches and blocks until the
// context is cancelled, then drains the subscription so in-flight
// batches finish.
func (s *ExceptionSubscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to exceptions", "subject", SubjectExceptions, "queue", s.queue)

	sub, err := s.nc.QueueSubscribe(SubjectExceptions, s.queue, func(msg *nats.Msg) {
		s.handleMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Error("Failed to subscribe to exceptions", "error", err)
		return err
	}
	s.sub = sub

	<-ctx.Done()

	s.logger.Info("Draining exception subscription")
	if err := s.sub.Drain(); err != nil {
		s.logger.Error("Failed to drain exception subscription", "error", err)
		return err
	}
	return nil
}

// handleMessage processes one exception batch message. The payload is a
// JSON array of exception records; a single object is accepted too.
func (s *ExceptionSubscriber) handleMessage(ctx context.Context, msg *nats.Msg) {
	startTime := time.Now()
	s.logger.Debug("Received exception batch", "subject", msg.Subject, "data_length", len(msg.Data))

	excs, err := parseExceptions(msg.Data)
	if err != nil {
		s.logger.Error("Failed to parse exception batch", "error", err)
		metrics.IncExceptionsInvalid()
		return
	}
	if len(excs) == 0 {
		return
	}

	summary, results, err := s.processor.ProcessBatch(ctx, excs)
	if err != nil {
		s.logger.Warn("Batch interrupted", "batch_id", summary.BatchID, "error", err)
	}

	for _, result := range results {
		s.results.Add(result)
	}
	s.results.AddSummary(summary)

	if s.publisher != nil {
		if err := s.publisher.PublishResults(results); err != nil {
			s.logger.Error("Failed to publish results", "batch_id", summary.BatchID, "error", err)
		}
		if err := s.publisher.PublishSummary(summary); err != nil {
			s.logger.Error("Failed to publish summary", "batch_id", summary.BatchID, "error", err)
		}
	}

	s.logger.Info("Exception batch handled",
		"batch_id", summary.BatchID,
		"records", len(excs),
		"duration", time.Since(startTime))
}

func parseExceptions(data []byte) ([]*model.ExceptionRecord, error) {
	var excs []*model.ExceptionRecord
	if err := json.Unmarshal(data, &excs); err == nil {
		return excs, nil
	}

	var single model.ExceptionRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []*model.ExceptionRecord{&single}, nil
}
