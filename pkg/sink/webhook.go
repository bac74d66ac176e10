package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookRate    = rate.Limit(10)
	defaultWebhookBurst   = 20
)

// WebhookConfig configures an outbound HTTP sink.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// Outbound posts per second; protects the receiver from bursty
	// agents. Zero means the default.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// WebhookSink posts each rune as a JSON document. Deliveries past the
// rate limit are dropped rather than queued, since the chain is the
// durable record and the webhook is a notification channel.
type WebhookSink struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sink: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	limit := defaultWebhookRate
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := defaultWebhookBurst
	if cfg.Burst > 0 {
		burst = cfg.Burst
	}
	return &WebhookSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Emit(ctx context.Context, r *runechain.Rune) error {
	if !s.limiter.Allow() {
		return fmt.Errorf("sink: webhook rate limit exceeded, dropping rune %d", r.Sequence)
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sink: encode rune %d: %w", r.Sequence, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("sink: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: webhook post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
