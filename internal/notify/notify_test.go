package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{" attempt_aborted ", "paused"}, quiet())

	require.NoError(t, n.Notify(context.Background(), Message{Event: EventCommitted}))
	require.NoError(t, n.Notify(context.Background(), Message{Event: EventAborted}))
	require.Len(t, s.got, 1)
	assert.Equal(t, EventAborted, s.got[0].Event)

	all := NewNotifier([]Sender{s}, nil, quiet())
	assert.True(t, all.Enabled(EventProposalExecuted))
	assert.False(t, NewNotifier(nil, nil, quiet()).Enabled(EventPaused))
}

func TestNotifierKeepsDeliveringAfterFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.Notify(context.Background(), PauseMessage(true, common.HexToAddress("0x9a")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.got, 1)
}

func TestResultMessages(t *testing.T) {
	base := domain.Result{
		AttemptID: "a1",
		Asset:     common.HexToAddress("0xa0b86991"),
		Amount:    uint256.NewInt(1_000_000),
		Premium:   uint256.NewInt(900),
		FailedHop: domain.NoHop,
	}

	ok := base
	ok.Succeeded = true
	ok.Profit = uint256.NewInt(1500)
	msg := ResultMessage(ok)
	assert.Equal(t, EventCommitted, msg.Event)
	assert.Equal(t, "profit 1500 after premium 900", msg.Body)

	rej := base
	rej.OffendingGuard = domain.GuardPause
	rej.ReasonCode = string(domain.RejectPaused)
	assert.Equal(t, EventRejected, ResultMessage(rej).Event)

	ab := base
	ab.ReasonCode = string(domain.AbortHopShortfall)
	ab.FailedHop = 1
	ab.Shortfall = uint256.NewInt(42)
	msg = ResultMessage(ab)
	assert.Equal(t, EventAborted, msg.Event)
	assert.Equal(t, SeverityWarn, msg.Severity)
	assert.Contains(t, msg.Fields, Field{"hop", "1"})
	assert.Contains(t, msg.Fields, Field{"shortfall", "42"})
}

func TestTelegramSenderEscapesHTML(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	err := s.Send(context.Background(), Message{Title: "a<b", Fields: []Field{{"x", "1&2"}}})
	require.NoError(t, err)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "HTML", payload["parse_mode"])
	assert.Contains(t, payload["text"], "<b>a&lt;b</b>")
	assert.Contains(t, payload["text"], "<code>1&amp;2</code>")
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var payload struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := BreakerTrippedMessage(common.HexToAddress("0x01"), 3, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), msg))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, discordColours[SeverityCritical], payload.Embeds[0].Color)
	assert.Equal(t, "breaker_tripped", payload.Embeds[0].Footer.Text)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer failing.Close()
	err := NewDiscordSender(failing.URL).Send(context.Background(), msg)
	assert.ErrorContains(t, err, "unexpected status 429")
}
