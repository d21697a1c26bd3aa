package resultstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icsops/changeval/internal/model"
)

func result(batchID, excID string, disposition model.Disposition, kind model.ExceptionKind) *model.ValidationResult {
	return &model.ValidationResult{
		ID:          "res-" + excID,
		BatchID:     batchID,
		ExceptionID: excID,
		Kind:        kind,
		AssetName:   "scadahist01",
		Disposition: disposition,
		ProcessedAt: time.Now().UTC(),
	}
}

func TestMemoryStoreAddAndGet(t *testing.T) {
	store := NewMemoryStore(10, 100)

	assert.True(t, store.Add(result("b1", "exc-1", model.DispositionAutoValidated, model.KindSoftware)))
	assert.True(t, store.Add(result("b1", "exc-2", model.DispositionManualReview, model.KindPatch)))

	// Same exception in the same batch is a duplicate.
	assert.False(t, store.Add(result("b1", "exc-1", model.DispositionAutoValidated, model.KindSoftware)))
	// Same exception in a new batch is not.
	assert.True(t, store.Add(result("b2", "exc-1", model.DispositionAutoValidated, model.KindSoftware)))

	all := store.Get(Filter{}, 0)
	assert.Len(t, all, 3)

	reviews := store.Get(Filter{Disposition: model.DispositionManualReview}, 0)
	require.Len(t, reviews, 1)
	assert.Equal(t, "exc-2", reviews[0].ExceptionID)

	patches := store.Get(Filter{Kind: model.KindPatch}, 0)
	assert.Len(t, patches, 1)

	batch2 := store.Get(Filter{BatchID: "b2"}, 0)
	assert.Len(t, batch2, 1)
}

func TestMemoryStoreRingEviction(t *testing.T) {
	store := NewMemoryStore(3, 100)

	for i := 0; i < 5; i++ {
		require.True(t, store.Add(result("b1", fmt.Sprintf("exc-%d", i), model.DispositionAutoValidated, model.KindSoftware)))
	}

	all := store.Get(Filter{}, 0)
	require.Len(t, all, 3)
	// Oldest results were evicted.
	assert.Equal(t, "exc-2", all[0].ExceptionID)
	assert.Equal(t, "exc-4", all[2].ExceptionID)
}

func TestMemoryStoreLimitReturnsNewest(t *testing.T) {
	store := NewMemoryStore(10, 100)
	for i := 0; i < 5; i++ {
		store.Add(result("b1", fmt.Sprintf("exc-%d", i), model.DispositionAutoValidated, model.KindSoftware))
	}

	limited := store.Get(Filter{}, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "exc-3", limited[0].ExceptionID)
	assert.Equal(t, "exc-4", limited[1].ExceptionID)
}

func TestMemoryStoreSummaries(t *testing.T) {
	store := NewMemoryStore(10, 100)

	store.AddSummary(&model.BatchSummary{BatchID: "b1", Total: 2})
	store.AddSummary(&model.BatchSummary{BatchID: "b2", Total: 5})
	store.AddSummary(&model.BatchSummary{BatchID: "b1", Total: 3})

	summary := store.Summary("b1")
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.Total)

	assert.Nil(t, store.Summary("unknown"))
	assert.Len(t, store.Summaries(), 2)
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore(10, 100)
	store.Add(result("b1", "exc-1", model.DispositionAutoValidated, model.KindSoftware))
	store.AddSummary(&model.BatchSummary{BatchID: "b1"})

	store.Clear()

	assert.Empty(t, store.Get(Filter{}, 0))
	assert.Empty(t, store.Summaries())
	// Cleared results can be re-added.
	assert.True(t, store.Add(result("b1", "exc-1", model.DispositionAutoValidated, model.KindSoftware)))
}
