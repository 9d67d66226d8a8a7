package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/server/middleware"
)

// maxBody bounds decoded request bodies.
const maxBody = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorResponse is the body of a failed domain call.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps the domain error taxonomy to an HTTP status.
func statusFor(err error) int {
	var gov *domain.GovernanceRejected
	switch {
	case errors.Is(err, domain.ErrPreconditionRejected):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrExecutionAborted):
		return http.StatusConflict
	case errors.As(err, &gov):
		switch gov.Code {
		case domain.GovInvalidPayload, domain.GovUnknownTarget:
			return http.StatusUnprocessableEntity
		case domain.GovUnknownProposal:
			return http.StatusNotFound
		}
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMathDomain), errors.Is(err, domain.ErrInvalidRoute):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// codeOf returns the machine-readable code carried by a typed domain error.
func codeOf(err error) string {
	var (
		pr  *domain.PreconditionRejected
		ab  *domain.ExecutionAborted
		gov *domain.GovernanceRejected
	)
	switch {
	case errors.As(err, &pr):
		return string(pr.Code)
	case errors.As(err, &ab):
		return string(ab.Code)
	case errors.As(err, &gov):
		return string(gov.Code)
	}
	return ""
}

// writeDomainError maps err to its status and writes it. Internal errors are
// logged and not echoed.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, what string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+what+" failed", slog.String("error", err.Error()))
		writeError(w, status, what+" failed")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: domain.ErrorKind(err), Code: codeOf(err)})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// actor returns the authenticated caller, or the zero address when auth is
// disabled.
func actor(r *http.Request) common.Address {
	a, _ := middleware.ActorFrom(r.Context())
	return a
}

// parseAddress reads a hex address path or query value.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

// parseListOpts extracts pagination and filter parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("asset"); v != "" {
		a, err := parseAddress(v)
		if err != nil {
			return opts, err
		}
		opts.Asset = &a
	}
	for _, f := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = &ts
	}
	return opts, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
