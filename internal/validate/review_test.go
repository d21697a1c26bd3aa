package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icsops/changeval/internal/model"
)

func TestReviewManagerApply(t *testing.T) {
	rm := NewReviewManager(testLogger())

	decision, err := rm.Apply("exc-1", model.StatusInvestigating, "operator1", "needs a second look")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, decision.FromStatus)
	assert.Equal(t, model.StatusInvestigating, decision.ToStatus)
	assert.Equal(t, model.StatusInvestigating, rm.Status("exc-1"))

	// Investigating can still go back to pending.
	_, err = rm.Apply("exc-1", model.StatusPending, "operator1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rm.Status("exc-1"))
}

func TestReviewManagerTerminalStatesAreImmutable(t *testing.T) {
	tests := []struct {
		name     string
		terminal model.ValidationStatus
	}{
		{"validated", model.StatusValidated},
		{"unauthorized", model.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := NewReviewManager(testLogger())
			rm.Seed("exc-1", tt.terminal)

			for _, next := range []model.ValidationStatus{
				model.StatusPending,
				model.StatusValidated,
				model.StatusUnauthorized,
				model.StatusInvestigating,
			} {
				_, err := rm.Apply("exc-1", next, "operator1", "")
				assert.Error(t, err)
			}
			assert.Equal(t, tt.terminal, rm.Status("exc-1"))
		})
	}
}

func TestReviewManagerUnauthorizedRequiresReviewer(t *testing.T) {
	rm := NewReviewManager(testLogger())

	_, err := rm.Apply("exc-1", model.StatusUnauthorized, "", "")
	assert.Error(t, err)

	decision, err := rm.Apply("exc-1", model.StatusUnauthorized, "operator2", "no matching change found")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnauthorized, decision.ToStatus)
}

func TestReviewManagerHistory(t *testing.T) {
	rm := NewReviewManager(testLogger())

	_, err := rm.Apply("exc-1", model.StatusInvestigating, "operator1", "")
	require.NoError(t, err)
	_, err = rm.Apply("exc-1", model.StatusValidated, "operator2", "confirmed against CHG0000338290")
	require.NoError(t, err)

	history := rm.History("exc-1")
	require.Len(t, history, 2)
	assert.Equal(t, model.StatusInvestigating, history[0].ToStatus)
	assert.Equal(t, model.StatusValidated, history[1].ToStatus)

	assert.Empty(t, rm.History("exc-unknown"))
}

func TestReviewManagerApplyFromJSON(t *testing.T) {
	rm := NewReviewManager(testLogger())

	decision, err := rm.ApplyFromJSON([]byte(`{"exception_id":"exc-1","status":"investigating","reviewer":"operator1","note":"checking"}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvestigating, decision.ToStatus)

	_, err = rm.ApplyFromJSON([]byte(`{"exception_id":"exc-1","status":"bogus","reviewer":"operator1"}`))
	assert.Error(t, err)

	_, err = rm.ApplyFromJSON([]byte(`not json`))
	assert.Error(t, err)
}
