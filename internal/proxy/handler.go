package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelbridge/modelbridge/internal/client"
	"github.com/modelbridge/modelbridge/internal/usage"
	"github.com/modelbridge/modelbridge/pkg/model"
	"github.com/modelbridge/modelbridge/pkg/ratelimit"
)

type Handler struct {
	router  *Router
	usage   usage.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(router *Router, store usage.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:  router,
		usage:   store,
		limiter: limiter,
		tracer:  tracer,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	requestID, req, selected, ok := h.prepare(w, r)
	if !ok {
		return
	}

	if req.Stream != nil && *req.Stream {
		h.streamResponse(w, r, requestID, req, selected)
		return
	}

	start := time.Now()
	response, err := h.router.Execute(r.Context(), req, selected)
	if err != nil {
		h.recordUsage(requestID, req, selected, nil, time.Since(start), "error")
		writeError(w, err)
		return
	}

	h.recordUsage(requestID, req, selected, response.Usage, time.Since(start), "success")

	if response.ID == "" {
		response.ID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	requestID, req, selected, ok := h.prepare(w, r)
	if !ok {
		return
	}
	h.streamResponse(w, r, requestID, req, selected)
}

// streamResponse re-encodes canonical chunks as SSE frames, ending with the
// [DONE] sentinel on normal completion or an error event otherwise.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, requestID string, req *model.ChatRequest, selected *client.Client) {
	start := time.Now()
	ch, err := h.router.ExecuteStream(r.Context(), req, selected)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	outcome := "success"
	for item := range ch {
		if item.Err != nil {
			outcome = "error"
			payload, _ := json.Marshal(map[string]string{"error": item.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			break
		}

		payload, err := json.Marshal(item.Chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	if outcome == "success" {
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	h.recordUsage(requestID, req, selected, nil, time.Since(start), outcome)
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, *model.ChatRequest, *client.Client, bool) {
	ctx := r.Context()
	requestID := uuid.New().String()

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return "", nil, nil, false
	}

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model.String()),
		attribute.String("user", userTag(&req)),
	)

	estimatedTokens := 1000
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		estimatedTokens = *req.MaxTokens
	}

	allowed, err := h.limiter.Allow(ctx, userTag(&req), estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", nil, nil, false
	}

	selected, err := h.router.Route(&req)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return "", nil, nil, false
	}

	return requestID, &req, selected, true
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := r.URL.Query().Get("user")
	if user == "" {
		user = "anonymous"
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.usage.ListByUser(ctx, user, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.usage.SummarizeByUser(ctx, user, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user":    user,
		"summary": summary,
		"records": records,
		"from":    from,
		"to":      to,
	})
}

// recordUsage writes the usage record off the request path.
func (h *Handler) recordUsage(requestID string, req *model.ChatRequest, selected *client.Client, tokens *model.TokenUsage, latency time.Duration, outcome string) {
	rec := &usage.Record{
		RequestID: requestID,
		User:      userTag(req),
		Provider:  selected.ID().String(),
		Model:     req.Model.String(),
		LatencyMs: latency.Milliseconds(),
		Outcome:   outcome,
	}
	if tokens != nil {
		rec.PromptTokens = tokens.PromptTokens
		rec.CompletionTokens = tokens.CompletionTokens
		rec.TotalTokens = tokens.TotalTokens
	}
	go func() {
		_ = h.usage.Insert(context.Background(), rec)
	}()
}

func userTag(req *model.ChatRequest) string {
	if req.User != "" {
		return req.User
	}
	return "anonymous"
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if e, ok := model.AsError(err); ok {
		switch e.Kind {
		case model.KindRateLimit:
			status = http.StatusTooManyRequests
		case model.KindAuthentication:
			status = http.StatusUnauthorized
		case model.KindInvalidRequest:
			status = http.StatusBadRequest
		case model.KindModelNotFound:
			status = http.StatusNotFound
		case model.KindTimeout:
			status = http.StatusGatewayTimeout
		case model.KindConfiguration:
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
