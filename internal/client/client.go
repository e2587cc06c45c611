// Package client is the single entry point for issuing canonical chat
// completions. A Client resolves its provider adapter once at construction
// and composes it with the retry controller and the instrumentation wrapper.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/internal/provider/anthropic"
	"github.com/modelbridge/modelbridge/internal/provider/openai"
	"github.com/modelbridge/modelbridge/pkg/model"
)

const (
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Minute
)

// Config holds the resolved inputs a Client is constructed from. Credential
// and base URL resolution (env files, flags) is the caller's job; the client
// only validates presence.
type Config struct {
	Provider model.ProviderID
	APIKey   string
	// BaseURL overrides the provider default when set.
	BaseURL string
	// Timeout bounds each attempt; the clock restarts on retry.
	Timeout time.Duration
	// MaxAttempts bounds retries of retryable failures. Default 3.
	MaxAttempts int
	// HTTPClient is shared across calls; defaults to a pooled client.
	HTTPClient *http.Client
	// TracerProvider and MeterProvider default to the otel globals. The
	// client never initializes telemetry itself.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type Client struct {
	provider provider.Provider
	policy   retryPolicy
	metrics  *metrics
	tracer   trace.Tracer
}

// New resolves the concrete adapter for cfg.Provider. It fails with a
// Configuration error when the provider is unrecognized or the credential is
// missing.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, model.NewConfiguration(fmt.Sprintf("missing API key for provider %q", cfg.Provider))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var p provider.Provider
	switch cfg.Provider {
	case model.ProviderOpenAI:
		p = openai.New(cfg.APIKey, cfg.BaseURL, httpClient)
	case model.ProviderAnthropic:
		p = anthropic.New(cfg.APIKey, cfg.BaseURL, httpClient)
	default:
		return nil, model.NewConfiguration(fmt.Sprintf("unknown provider: %q", cfg.Provider))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}

	tracerProvider := cfg.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	return &Client{
		provider: p,
		policy:   retryPolicy{maxAttempts: maxAttempts, timeout: timeout},
		metrics:  newMetrics(meterProvider.Meter("modelbridge")),
		tracer:   tracerProvider.Tracer("modelbridge"),
	}, nil
}

// ID returns the provider this client was constructed for.
func (c *Client) ID() model.ProviderID {
	return c.provider.ID()
}

// Chat issues a single-shot completion, retrying transparently on retryable
// failures.
func (c *Client) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	ctx, span := c.startSpan(ctx, req)
	defer span.End()

	rec := c.metrics.begin(ctx, c.provider.ID(), req.Model)
	resp, err := retryChat(ctx, c.provider, req, c.policy)

	var usage *model.TokenUsage
	if resp != nil {
		usage = resp.Usage
	}
	rec.end(ctx, usage, err)

	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

// ChatStream establishes a streaming completion, retrying establishment
// transparently. The returned channel delivers chunks in arrival order, ends
// with an error item on abnormal termination, and closes when the stream is
// done. Cancel ctx to abandon the stream and release the connection.
func (c *Client) ChatStream(ctx context.Context, req *model.ChatRequest) (<-chan provider.StreamItem, error) {
	ctx, span := c.startSpan(ctx, req)

	rec := c.metrics.begin(ctx, c.provider.ID(), req.Model)
	handle, err := retryStream(ctx, c.provider, req, c.policy)
	rec.end(ctx, nil, err)

	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	out := make(chan provider.StreamItem)
	go c.tap(ctx, handle, out, rec, span)
	return out, nil
}

// tap relays items unchanged while recording first-chunk latency and
// inter-chunk gaps. It is a transparent observer: what the consumer receives
// is exactly what the adapter produced.
func (c *Client) tap(ctx context.Context, handle streamHandle, out chan<- provider.StreamItem, rec *callRecord, span trace.Span) {
	defer close(out)
	defer handle.cancel()
	defer span.End()

	timer := newChunkTimer(rec.start)
	for item := range handle.ch {
		if item.Err == nil {
			var d time.Duration
			var first bool
			timer, d, first = timer.observe(time.Now())
			rec.observeChunk(ctx, d, first)
		} else {
			span.RecordError(item.Err)
		}

		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) startSpan(ctx context.Context, req *model.ChatRequest) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("provider", c.provider.ID().String()),
		attribute.String("model", req.Model.String()),
		attribute.String("request_id", model.NewRequestID().String()),
	))
}
