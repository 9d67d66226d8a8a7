package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/server/middleware"
)

var operator = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

func signedServer(t *testing.T) *httptest.Server {
	t.Helper()
	resolve := func(key string) (string, common.Address, bool) {
		if key != "ops" {
			return "", common.Address{}, false
		}
		return "s3cret", operator, true
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		actor, _ := middleware.ActorFrom(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]string{"actor": actor.Hex(), "query": r.URL.RawQuery})
	})
	mux.HandleFunc("POST /api/governance/roles/grant", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("POST /api/attempts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"succeeded":false}`))
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(middleware.Auth(resolve, time.Minute, logger)(mux))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSignsRequests(t *testing.T) {
	srv := signedServer(t)
	c := newClient(srv.URL+"/", "ops", "s3cret", time.Second)

	data, err := c.do(context.Background(), "GET", "/api/stats?asset=0xabc", nil)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, operator.Hex(), got["actor"])
	assert.Equal(t, "asset=0xabc", got["query"])

	data, err = c.do(context.Background(), "POST", "/api/governance/roles/grant",
		map[string]any{"actor": operator, "role": "guardian"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"guardian"`)
}

func TestClientErrors(t *testing.T) {
	srv := signedServer(t)

	_, err := newClient(srv.URL, "ops", "wrong", time.Second).do(context.Background(), "GET", "/api/stats", nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = newClient(srv.URL, "", "", time.Second).do(context.Background(), "GET", "/api/stats", nil)
	require.ErrorAs(t, err, &apiErr)

	// A failed attempt still returns its result.
	data, err := newClient(srv.URL, "ops", "s3cret", time.Second).do(context.Background(), "POST", "/api/attempts", []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"succeeded":false}`, string(data))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, []byte(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, []byte("plain")))
	assert.Equal(t, "plain", buf.String())
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"simulate", "submit", "executions", "proposals", "execute", "cancel",
		"pause", "unpause", "grant", "revoke", "depeg", "quote", "keygen", "encrypt-key", "reset-breaker"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestKeygenPrintsAddress(t *testing.T) {
	cmd := keygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Regexp(t, `address:\s+0x[0-9a-fA-F]{40}`, out.String())
	assert.Regexp(t, `private_key: 0x[0-9a-f]{64}`, out.String())
}

func TestQuote(t *testing.T) {
	run := func(args ...string) map[string]any {
		cmd := quoteCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		var got map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		return got
	}

	got := run("--implied", "1.0025", "--external", "1", "--amount", "10000")
	assert.Equal(t, true, got["profitable"])
	assert.Equal(t, "2", got["net_profit"])
	assert.Equal(t, "23", got["min_spread_bps"])

	got = run("--cycle", "1.001,0.9995,1.0005", "--amount", "10000")
	assert.Equal(t, false, got["profitable"])
}
