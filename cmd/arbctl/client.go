package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/crypto"
)

// client calls the engine API with HMAC-signed requests.
type client struct {
	base string
	auth crypto.HMACAuth
	http *http.Client
	now  func() time.Time
}

func newClient(base, key, secret string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		auth: crypto.HMACAuth{Key: key, Secret: secret},
		http: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// do sends body (marshalled when not already bytes) to path and returns the
// raw response. Non-2xx responses carry the body in an *apiError, except
// attempt endpoints, whose failures still hold a result worth printing.
func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth.Key != "" {
		for k, v := range c.auth.Headers(method, req.URL.RequestURI(), payload, c.now()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 && !strings.HasPrefix(path, "/api/attempts") {
		return data, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
