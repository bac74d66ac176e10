package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

type recordingSink struct {
	name string
	got  []uint64
	err  error
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Emit(_ context.Context, r *runechain.Rune) error {
	s.got = append(s.got, r.Sequence)
	return s.err
}
func (s *recordingSink) Close() error { return nil }

func sampleRune(seq uint64, d ward.Decision) *runechain.Rune {
	return &runechain.Rune{
		Sequence:  seq,
		Timestamp: "2026-08-24T10:00:00Z",
		SessionID: "s1",
		ToolName:  "Bash",
		Decision:  d,
	}
}

func TestFanoutRoutesByDecision(t *testing.T) {
	all := &recordingSink{name: "all"}
	haltOnly := &recordingSink{name: "halt"}
	f := NewFanout(
		Route{Sink: all},
		Route{Sink: haltOnly, Decisions: []ward.Decision{ward.DecisionHalt}},
	)

	ctx := context.Background()
	f.Dispatch(ctx, sampleRune(1, ward.DecisionPass))
	f.Dispatch(ctx, sampleRune(2, ward.DecisionHalt))
	f.Dispatch(ctx, sampleRune(3, ward.DecisionReshape))

	assert.Equal(t, []uint64{1, 2, 3}, all.got)
	assert.Equal(t, []uint64{2}, haltOnly.got)
}

func TestFanoutAbsorbsSinkFailure(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("boom")}
	healthy := &recordingSink{name: "healthy"}
	f := NewFanout(Route{Sink: broken}, Route{Sink: healthy})

	f.Dispatch(context.Background(), sampleRune(1, ward.DecisionPass))

	// The failure is logged, not propagated; later sinks still run.
	assert.Equal(t, []uint64{1}, broken.got)
	assert.Equal(t, []uint64{1}, healthy.got)
}

func TestWriterSinkEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	require.NoError(t, s.Emit(context.Background(), sampleRune(1, ward.DecisionPass)))
	require.NoError(t, s.Emit(context.Background(), sampleRune(2, ward.DecisionHalt)))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var decoded runechain.Rune
	require.NoError(t, json.Unmarshal(lines[1], &decoded))
	assert.Equal(t, uint64(2), decoded.Sequence)
	assert.Equal(t, ward.DecisionHalt, decoded.Decision)
}

func TestWebhookSinkPosts(t *testing.T) {
	var calls atomic.Int32
	var lastAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		lastAuth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ru runechain.Rune
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ru))
		assert.Equal(t, "Bash", ru.ToolName)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Emit(context.Background(), sampleRune(1, ward.DecisionHalt)))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer token", lastAuth.Load())
}

func TestWebhookSinkRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.Emit(context.Background(), sampleRune(1, ward.DecisionPass))
	assert.ErrorContains(t, err, "status 502")
}

func TestWebhookSinkDropsPastRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(WebhookConfig{
		URL:           srv.URL,
		RatePerSecond: 0.001,
		Burst:         1,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Emit(context.Background(), sampleRune(1, ward.DecisionPass)))
	err = s.Emit(context.Background(), sampleRune(2, ward.DecisionPass))
	assert.ErrorContains(t, err, "rate limit")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSinkRequiresURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{})
	assert.ErrorContains(t, err, "url is required")
}
