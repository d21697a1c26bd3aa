// Package api exposes the service's HTTP surface: batch validation,
// result queries, manual reviews, and health endpoints.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/icsops/changeval/internal/ingest"
	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/policy"
	"github.com/icsops/changeval/internal/resultstore"
	"github.com/icsops/changeval/internal/validate"
)

// HTTPAPI provides HTTP endpoints for the validation service
type HTTPAPI struct {
	processor     *validate.Processor
	results       *resultstore.MemoryStore
	reviews       *validate.ReviewManager
	policyLoader  *policy.Loader
	csvDecoder    *ingest.ExceptionCSVDecoder
	patchImporter *ingest.PatchImporter
	natsConn      *nats.Conn
}

// NewHTTPAPI creates a new HTTP API instance
func NewHTTPAPI(processor *validate.Processor, results *resultstore.MemoryStore, reviews *validate.ReviewManager, policyLoader *policy.Loader, csvDecoder *ingest.ExceptionCSVDecoder, patchImporter *ingest.PatchImporter, natsConn *nats.Conn) *HTTPAPI {
	return &HTTPAPI{
		processor:     processor,
		results:       results,
		reviews:       reviews,
		policyLoader:  policyLoader,
		csvDecoder:    csvDecoder,
		patchImporter: patchImporter,
		natsConn:      natsConn,
	}
}

// SetupRoutes configures HTTP routes
func (api *HTTPAPI) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/validate", api.handleValidate)
	mux.HandleFunc("/import/exceptions", api.handleImportExceptions)
	mux.HandleFunc("/import/patches", api.handleImportPatches)
	mux.HandleFunc("/results", api.handleResults)
	mux.HandleFunc("/summary", api.handleSummary)
	mux.HandleFunc("/reviews", api.handleReviews)
	mux.HandleFunc("/profiles", api.handleProfiles)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
}

// handleValidate handles POST /validate: a JSON array of exception
// records is validated as one batch, and the summary with per-record
// results is returned.
func (api *HTTPAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var excs []*model.ExceptionRecord
	if err := json.Unmarshal(body, &excs); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(excs) == 0 {
		http.Error(w, "Request body contains no exception records", http.StatusBadRequest)
		return
	}

	api.runBatch(w, r, excs)
}

// handleImportExceptions handles POST /import/exceptions: a bulk-exception
// CSV export is decoded and validated as one batch.
func (api *HTTPAPI) handleImportExceptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	excs, err := api.csvDecoder.Decode(bytes.NewReader(body))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to decode CSV: %v", err), http.StatusBadRequest)
		return
	}
	if len(excs) == 0 {
		http.Error(w, "CSV contains no exception records", http.StatusBadRequest)
		return
	}

	api.runBatch(w, r, excs)
}

// handleImportPatches handles POST /import/patches: an approved-patch CSV
// export is loaded into the reference store.
func (api *HTTPAPI) handleImportPatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	imported, err := api.patchImporter.Import(r.Context(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to import patches: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"imported":  imported,
		"timestamp": time.Now().UTC(),
	})
}

// runBatch processes a decoded batch, stores the results, and writes the
// summary, with per-record results inlined, as the response.
func (api *HTTPAPI) runBatch(w http.ResponseWriter, r *http.Request, excs []*model.ExceptionRecord) {
	summary, results, err := api.processor.ProcessBatch(r.Context(), excs)
	for _, result := range results {
		api.results.Add(result)
		api.reviews.Seed(result.ExceptionID, api.statusAfter(result))
	}
	api.results.AddSummary(summary)

	statusCode := http.StatusOK
	if err != nil {
		// Client went away mid-batch; the partial results are still stored.
		statusCode = http.StatusAccepted
	}

	summary.Results = results

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// statusAfter is the record status after automated processing: validated
// only when the batch auto-validated it, pending otherwise.
func (api *HTTPAPI) statusAfter(result *model.ValidationResult) model.ValidationStatus {
	if result.Disposition == model.DispositionAutoValidated {
		return model.StatusValidated
	}
	return model.StatusPending
}

// handleResults handles GET /results with optional query parameters
func (api *HTTPAPI) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := resultstore.Filter{
		Disposition: model.Disposition(r.URL.Query().Get("disposition")),
		Kind:        model.ExceptionKind(r.URL.Query().Get("kind")),
		AssetName:   r.URL.Query().Get("asset"),
		BatchID:     r.URL.Query().Get("batch_id"),
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	results := api.results.Get(filter, limit)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"results":   results,
		"count":     len(results),
		"timestamp": time.Now().UTC(),
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleSummary handles GET /summary, optionally scoped to one batch
func (api *HTTPAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if batchID := r.URL.Query().Get("batch_id"); batchID != "" {
		summary := api.results.Summary(batchID)
		if summary == nil {
			http.Error(w, fmt.Sprintf("Unknown batch: %s", batchID), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(summary)
		return
	}

	summaries := api.results.Summaries()
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"summaries": summaries,
		"count":     len(summaries),
		"timestamp": time.Now().UTC(),
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleReviews handles POST /reviews for manual review decisions
func (api *HTTPAPI) handleReviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := readRequestBody(r)
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		decision, err := api.reviews.ApplyFromJSON(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid review: %v", err), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(decision)

	case http.MethodGet:
		exceptionID := r.URL.Query().Get("exception_id")
		if exceptionID == "" {
			http.Error(w, "exception_id is required", http.StatusBadRequest)
			return
		}

		history := api.reviews.History(exceptionID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"exception_id": exceptionID,
			"status":       api.reviews.Status(exceptionID),
			"reviews":      history,
			"count":        len(history),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProfiles handles GET /profiles
func (api *HTTPAPI) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := api.policyLoader.Names()
	metrics.SetProfilesLoaded(len(names))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": names,
		"count":    len(names),
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleHealth handles GET /healthz
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := api.results.GetStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     stats,
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleReady handles GET /readyz
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	natsConnected := api.natsConn != nil && api.natsConn.IsConnected()
	metrics.SetNatsConnected(natsConnected)

	profiles := api.policyLoader.Names()
	profilesLoaded := len(profiles) > 0

	// NATS is optional in HTTP-only deployments.
	ready := profilesLoaded && (api.natsConn == nil || natsConnected)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status,
		"timestamp":       time.Now().UTC(),
		"nats_connected":  natsConnected,
		"profiles_loaded": profilesLoaded,
		"profiles_count":  len(profiles),
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// readRequestBody reads the request body with a size cap
func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	const maxBodySize = 8 * 1024 * 1024
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)

	return io.ReadAll(r.Body)
}
