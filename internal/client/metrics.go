package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/modelbridge/modelbridge/pkg/model"
)

// metrics is the side-effect-only instrumentation around every adapter call.
// It never alters a result and never fails a call: if instrument creation
// fails the recordings fall back to no-ops.
type metrics struct {
	requests         metric.Int64Counter
	latency          metric.Float64Histogram
	inflight         metric.Int64UpDownCounter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	firstToken       metric.Float64Histogram
	tokenGap         metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	m, err := buildMetrics(meter)
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter("modelbridge"))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	var err error

	if m.requests, err = meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request results")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("llm.request.duration",
		metric.WithDescription("LLM request latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.inflight, err = meter.Int64UpDownCounter("llm.inflight.requests",
		metric.WithDescription("Inflight LLM requests")); err != nil {
		return nil, err
	}
	if m.promptTokens, err = meter.Int64Counter("llm.prompt.tokens",
		metric.WithDescription("Prompt tokens sent to the provider")); err != nil {
		return nil, err
	}
	if m.completionTokens, err = meter.Int64Counter("llm.completion.tokens",
		metric.WithDescription("Completion tokens received from the provider")); err != nil {
		return nil, err
	}
	if m.firstToken, err = meter.Float64Histogram("llm.first.token.duration",
		metric.WithDescription("Time to first streamed chunk"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.tokenGap, err = meter.Float64Histogram("llm.interchunk.gap",
		metric.WithDescription("Gap between streamed chunks"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

// callRecord tracks one adapter invocation from just before the call until
// its completion (for streams: until the establishing call completes).
type callRecord struct {
	m        *metrics
	start    time.Time
	provider attribute.KeyValue
	mdl      attribute.KeyValue
}

func (m *metrics) begin(ctx context.Context, providerID model.ProviderID, modelID model.ModelID) *callRecord {
	rec := &callRecord{
		m:        m,
		start:    time.Now(),
		provider: attribute.String("provider", providerID.String()),
		mdl:      attribute.String("model", modelID.String()),
	}
	m.inflight.Add(ctx, 1, metric.WithAttributes(rec.provider))
	return rec
}

// end closes the bookkeeping opened by begin: latency, inflight, and the
// outcome counter, plus token counters when usage is available.
func (r *callRecord) end(ctx context.Context, usage *model.TokenUsage, err error) {
	r.m.latency.Record(ctx, time.Since(r.start).Seconds(), metric.WithAttributes(r.provider))
	r.m.inflight.Add(ctx, -1, metric.WithAttributes(r.provider))

	result := "success"
	if err != nil {
		result = "error"
	}
	r.m.requests.Add(ctx, 1, metric.WithAttributes(r.provider, attribute.String("result", result)))

	if err == nil && usage != nil {
		r.m.promptTokens.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(r.provider, r.mdl))
		r.m.completionTokens.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(r.provider, r.mdl))
	}
}

// chunkTimer derives first-token latency and inter-chunk gaps from chunk
// arrival times. It is a plain value so the stream transform stays free of
// shared mutable closure state and can be tested on its own.
type chunkTimer struct {
	start time.Time
	last  time.Time
	seen  bool
}

func newChunkTimer(start time.Time) chunkTimer {
	return chunkTimer{start: start, last: start}
}

// observe folds one chunk arrival into the timer, returning the next timer
// state, the measured duration, and whether it was the first chunk.
func (t chunkTimer) observe(now time.Time) (chunkTimer, time.Duration, bool) {
	first := !t.seen
	var d time.Duration
	if first {
		d = now.Sub(t.start)
	} else {
		d = now.Sub(t.last)
	}
	t.seen = true
	t.last = now
	return t, d, first
}

func (r *callRecord) observeChunk(ctx context.Context, d time.Duration, first bool) {
	if first {
		r.m.firstToken.Record(ctx, d.Seconds(), metric.WithAttributes(r.provider, r.mdl))
		return
	}
	r.m.tokenGap.Record(ctx, d.Seconds(), metric.WithAttributes(r.provider, r.mdl))
}
