package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/crypto"
)

// maxSignedBody bounds the request body read for signature checks.
const maxSignedBody = 1 << 20

type actorKey struct{}

// WithActor returns ctx carrying the authenticated actor.
func WithActor(ctx context.Context, actor common.Address) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(actorKey{}).(common.Address)
	return a, ok
}

// KeyResolver maps an API key to its HMAC secret and the actor it acts as.
type KeyResolver func(key string) (secret string, actor common.Address, ok bool)

// Auth returns middleware that verifies HMAC-signed requests and attaches
// the key's actor to the request context. Paths in public skip the check.
// If resolve is nil, the middleware passes all requests through (disabled).
func Auth(resolve KeyResolver, skew time.Duration, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolve == nil || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(crypto.HeaderKey)
			if key == "" {
				writeUnauthorized(w, "missing api key")
				return
			}
			secret, actor, ok := resolve(key)
			if !ok {
				writeUnauthorized(w, "unknown api key")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			auth := crypto.HMACAuth{Key: key, Secret: secret}
			err = auth.Verify(r.Method, r.URL.RequestURI(), body,
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), time.Now(), skew)
			if err != nil {
				logger.WarnContext(r.Context(), "auth: rejected request",
					slog.String("key", key),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, crypto.ErrStaleRequest) {
					writeUnauthorized(w, "stale request")
					return
				}
				writeUnauthorized(w, "invalid signature")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
