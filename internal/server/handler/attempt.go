package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Executor runs attempts. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, a domain.Attempt) (domain.Result, error)
	Simulate(ctx context.Context, a domain.Attempt) (domain.Result, error)
}

// AttemptHandler submits attempts to the engine.
type AttemptHandler struct {
	engine Executor
	logger *slog.Logger
}

// NewAttemptHandler creates an AttemptHandler.
func NewAttemptHandler(engine Executor, logger *slog.Logger) *AttemptHandler {
	return &AttemptHandler{engine: engine, logger: logHandler(logger, "attempt")}
}

type attemptResponse struct {
	Result domain.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
	Kind   string        `json:"kind,omitempty"`
	Code   string        `json:"code,omitempty"`
}

// Execute runs one attempt and commits it on success.
// POST /api/attempts
func (h *AttemptHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.Execute)
}

// Simulate runs one attempt against current balances and rolls it back.
// POST /api/attempts/simulate
func (h *AttemptHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.Simulate)
}

func (h *AttemptHandler) run(w http.ResponseWriter, r *http.Request, fn func(context.Context, domain.Attempt) (domain.Result, error)) {
	var a domain.Attempt
	if err := decodeJSON(r, &a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// An authenticated actor always submits as itself.
	if caller := actor(r); caller != (common.Address{}) {
		a.Caller = caller
	}

	res, err := fn(r.Context(), a)
	if err == nil {
		writeJSON(w, http.StatusOK, attemptResponse{Result: res})
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: attempt failed",
			slog.String("attempt", res.AttemptID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, attemptResponse{Result: res, Error: err.Error(), Kind: domain.ErrorKind(err), Code: codeOf(err)})
}
