package validate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
)

// ReviewDecision represents one manual review decision for an exception
type ReviewDecision struct {
	ID          string                 `json:"id"`
	ExceptionID string                 `json:"exception_id"`
	FromStatus  model.ValidationStatus `json:"from_status"`
	ToStatus    model.ValidationStatus `json:"to_status"`
	Reviewer    string                 `json:"reviewer"`
	Note        string                 `json:"note,omitempty"`
	DecidedAt   time.Time              `json:"decided_at"`
}

// ReviewManager records manual review decisions and enforces the
// exception status state machine. It is the only component that can move
// an exception to the unauthorized status; automated processing never
// does.
type ReviewManager struct {
	mu       sync.RWMutex
	statuses map[string]model.ValidationStatus
	reviews  map[string][]*ReviewDecision
	logger   *slog.Logger
}

// NewReviewManager creates a new review manager
func NewReviewManager(logger *slog.Logger) *ReviewManager {
	return &ReviewManager{
		statuses: make(map[string]model.ValidationStatus),
		reviews:  make(map[string][]*ReviewDecision),
		logger:   logger,
	}
}

// Seed records the current status of an exception without a review
// decision, so later transitions are validated against it.
func (rm *ReviewManager) Seed(exceptionID string, status model.ValidationStatus) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.statuses[exceptionID] = status
}

// Status returns the current status of an exception. Unknown exceptions
// are pending.
func (rm *ReviewManager) Status(exceptionID string) model.ValidationStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if s, ok := rm.statuses[exceptionID]; ok {
		return s
	}
	return model.StatusPending
}

// Apply records a review decision, moving the exception to the requested
// status. Transitions not permitted by the state machine are rejected,
// including any transition out of a terminal status.
func (rm *ReviewManager) Apply(exceptionID string, to model.ValidationStatus, reviewer, note string) (*ReviewDecision, error) {
	if exceptionID == "" {
		return nil, fmt.Errorf("exception_id is required")
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	from, ok := rm.statuses[exceptionID]
	if !ok {
		from = model.StatusPending
	}
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("invalid status transition for %s: %s -> %s", exceptionID, from, to)
	}

	now := time.Now().UTC()
	decision := &ReviewDecision{
		ID:          fmt.Sprintf("review-%s-%d", exceptionID, now.UnixNano()),
		ExceptionID: exceptionID,
		FromStatus:  from,
		ToStatus:    to,
		Reviewer:    reviewer,
		Note:        note,
		DecidedAt:   now,
	}

	rm.statuses[exceptionID] = to
	rm.reviews[exceptionID] = append(rm.reviews[exceptionID], decision)

	rm.logger.Info("Review decision recorded",
		"exception_id", exceptionID,
		"from_status", from,
		"to_status", to,
		"reviewer", reviewer)
	metrics.IncReviewsRecorded()

	return decision, nil
}

// ApplyFromJSON records a review decision from a JSON request body.
func (rm *ReviewManager) ApplyFromJSON(data []byte) (*ReviewDecision, error) {
	var request struct {
		ExceptionID string `json:"exception_id"`
		Status      string `json:"status"`
		Reviewer    string `json:"reviewer"`
		Note        string `json:"note,omitempty"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to parse review request: %w", err)
	}

	to := model.ValidationStatus(request.Status)
	switch to {
	case model.StatusPending, model.StatusValidated, model.StatusUnauthorized, model.StatusInvestigating:
	default:
		return nil, fmt.Errorf("invalid status: %s", request.Status)
	}

	return rm.Apply(request.ExceptionID, to, request.Reviewer, request.Note)
}

// History returns the review decisions recorded for an exception, oldest
// first.
func (rm *ReviewManager) History(exceptionID string) []*ReviewDecision {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	history := rm.reviews[exceptionID]
	out := make([]*ReviewDecision, len(history))
	copy(out, history)
	return out
}

// GetStats returns statistics about recorded reviews
func (rm *ReviewManager) GetStats() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	total := 0
	for _, history := range rm.reviews {
		total += len(history)
	}
	byStatus := make(map[string]int)
	for _, status := range rm.statuses {
		byStatus[string(status)]++
	}

	return map[string]interface{}{
		"total_reviews":       total,
		"tracked_exceptions":  len(rm.statuses),
		"exceptions_by_state": byStatus,
	}
}
