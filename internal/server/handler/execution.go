package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// RecordReader is the read side of the record service.
type RecordReader interface {
	Get(ctx context.Context, id string) (domain.ExecutionRecord, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionRecord, error)
}

// TotalsSource returns the live per-asset totals.
type TotalsSource func() []domain.AssetTotals

// ExecutionHandler serves the read-only analytics endpoints.
type ExecutionHandler struct {
	records RecordReader
	totals  TotalsSource
	logger  *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(records RecordReader, totals TotalsSource, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{records: records, totals: totals, logger: logHandler(logger, "execution")}
}

// listExecutionsResponse wraps the list executions response.
type listExecutionsResponse struct {
	Executions []domain.ExecutionRecord `json:"executions"`
}

// List returns records newest first.
// GET /api/executions?asset=0x..&since=RFC3339&until=RFC3339&limit=50&offset=0
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.records.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list executions", err)
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: recs})
}

// Get returns one record.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Stats returns the running totals per asset.
// GET /api/stats
func (h *ExecutionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	totals := h.totals()
	if totals == nil {
		totals = []domain.AssetTotals{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": totals})
}
