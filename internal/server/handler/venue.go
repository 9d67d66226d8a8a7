package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/venue"
)

// VenueMonitor reports venue health and stable-pool depegs. The app wires it
// from the venue registry and the ledger.
type VenueMonitor interface {
	Health() []venue.Health
	Depegs(ctx context.Context, thresholdBps uint64) (map[common.Address][]venue.Depeg, error)
}

// VenueHandler serves venue monitoring endpoints.
type VenueHandler struct {
	monitor          VenueMonitor
	defaultThreshold uint64
	logger           *slog.Logger
}

// NewVenueHandler creates a VenueHandler.
func NewVenueHandler(monitor VenueMonitor, defaultThresholdBps uint64, logger *slog.Logger) *VenueHandler {
	return &VenueHandler{monitor: monitor, defaultThreshold: defaultThresholdBps, logger: logHandler(logger, "venue")}
}

// Health returns every venue's breaker state.
// GET /api/venues/health
func (h *VenueHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"venues": h.monitor.Health()})
}

type depegResponse struct {
	Venue        common.Address `json:"venue"`
	Token        common.Address `json:"token"`
	DeviationBps uint64         `json:"deviation_bps"`
}

// Depegs lists stable-pool tokens priced away from par.
// GET /api/venues/depegs?threshold_bps=100
func (h *VenueHandler) Depegs(w http.ResponseWriter, r *http.Request) {
	threshold := h.defaultThreshold
	if v := r.URL.Query().Get("threshold_bps"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "threshold_bps must be an integer")
			return
		}
		threshold = n
	}
	found, err := h.monitor.Depegs(r.Context(), threshold)
	if err != nil {
		writeDomainError(w, r, h.logger, "depegs", err)
		return
	}
	out := []depegResponse{}
	for v, ds := range found {
		for _, d := range ds {
			out = append(out, depegResponse{Venue: v, Token: d.Token, DeviationBps: d.DeviationBps})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold_bps": threshold, "depegs": out})
}
