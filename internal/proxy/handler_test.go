package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/modelbridge/modelbridge/internal/client"
	"github.com/modelbridge/modelbridge/internal/usage"
	"github.com/modelbridge/modelbridge/pkg/model"
	"github.com/modelbridge/modelbridge/pkg/ratelimit"
)

// Mock Usage Store
type mockUsageStore struct {
	mu          sync.Mutex
	inserted    []*usage.Record
	listFunc    func(ctx context.Context, user string, from, to time.Time) ([]*usage.Record, error)
	summaryFunc func(ctx context.Context, user string, from, to time.Time) (*usage.Summary, error)
}

func (m *mockUsageStore) Insert(ctx context.Context, rec *usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, rec)
	return nil
}

func (m *mockUsageStore) ListByUser(ctx context.Context, user string, from, to time.Time) ([]*usage.Record, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, user, from, to)
	}
	return nil, nil
}

func (m *mockUsageStore) SummarizeByUser(ctx context.Context, user string, from, to time.Time) (*usage.Summary, error) {
	if m.summaryFunc != nil {
		return m.summaryFunc(ctx, user, from, to)
	}
	return &usage.Summary{}, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func newBackendClient(t *testing.T, baseURL string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Provider:    model.ProviderOpenAI,
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Timeout:     5 * time.Second,
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	return c
}

// Test Suite
func setupTest(clients []*client.Client, limiterAllowed bool) (*Handler, *mockUsageStore) {
	router := NewRouter(clients)
	store := &mockUsageStore{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(router, store, limiter, tracer), store
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h, _ := setupTest(nil, false)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o-mini", "user": "alice"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60 header, got %s", w.Header().Get("Retry-After"))
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
}

func TestHandleComplete_NoProvider(t *testing.T) {
	h, _ := setupTest(nil, true)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o-mini"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Errorf("Expected error message, got empty")
	}
}

func TestHandleComplete_Success(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`)
	}))
	defer backend.Close()

	h, _ := setupTest([]*client.Client{newBackendClient(t, backend.URL)}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":      "gpt-4o-mini",
		"max_tokens": 100,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp model.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Model != model.GPT4oMini {
		t.Errorf("Expected model gpt-4o-mini, got %s", resp.Model)
	}
	if resp.Content() != "hello back" {
		t.Errorf("Expected content 'hello back', got %q", resp.Content())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 40 {
		t.Errorf("Expected total_tokens 40, got %+v", resp.Usage)
	}
}

func TestHandleComplete_BackendErrorMapped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer backend.Close()

	h, _ := setupTest([]*client.Client{newBackendClient(t, backend.URL)}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func streamingBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"hello", " world"} {
			fmt.Fprintf(w, `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestHandleCompleteStream_Success(t *testing.T) {
	backend := streamingBackend(t)
	defer backend.Close()

	h, _ := setupTest([]*client.Client{newBackendClient(t, backend.URL)}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, `"content":"hello"`) {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, `"content":" world"`) {
		t.Errorf("Body missing second chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}
}

func TestHandleComplete_StreamFlagDelegates(t *testing.T) {
	backend := streamingBackend(t)
	defer backend.Close()

	h, _ := setupTest([]*client.Client{newBackendClient(t, backend.URL)}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":    "gpt-4o-mini",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected stream=true to produce an event stream, got %s", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", w.Body.String())
	}
}

func TestHandleCompleteStream_ErrorEvent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Stream cut off without the [DONE] sentinel.
		fmt.Fprint(w, `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"partial"}}]}`+"\n\n")
	}))
	defer backend.Close()

	h, _ := setupTest([]*client.Client{newBackendClient(t, backend.URL)}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `"content":"partial"`) {
		t.Errorf("Body missing delivered chunk: %s", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Errorf("Body missing error event: %s", body)
	}
	if strings.Contains(body, "data: [DONE]") {
		t.Errorf("DONE marker must not follow an error: %s", body)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, store := setupTest(nil, true)
	store.listFunc = func(ctx context.Context, user string, from, to time.Time) ([]*usage.Record, error) {
		return []*usage.Record{
			{User: "alice", Model: "gpt-4o-mini", TotalTokens: 40},
			{User: "alice", Model: "gpt-4o-mini", TotalTokens: 60},
		}, nil
	}
	store.summaryFunc = func(ctx context.Context, user string, from, to time.Time) (*usage.Summary, error) {
		return &usage.Summary{Requests: 2, TotalTokens: 100}, nil
	}

	req := httptest.NewRequest("GET", "/v1/usage?user=alice", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["user"] != "alice" {
		t.Errorf("Expected user alice, got %v", resp["user"])
	}
	summary := resp["summary"].(map[string]interface{})
	if summary["requests"].(float64) != 2 {
		t.Errorf("Expected 2 requests, got %v", summary["requests"])
	}
	records := resp["records"].([]interface{})
	if len(records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(records))
	}
}

func TestHandleUsage_DefaultDates(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["from"] == "" || resp["to"] == "" {
		t.Errorf("Expected from/to dates in response")
	}
	if resp["user"] != "anonymous" {
		t.Errorf("Expected anonymous default user, got %v", resp["user"])
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{model.NewRateLimit("throttled"), http.StatusTooManyRequests},
		{model.NewAuthentication("bad key"), http.StatusUnauthorized},
		{model.NewInvalidRequest("bad payload"), http.StatusBadRequest},
		{model.NewModelNotFound("gone"), http.StatusNotFound},
		{model.NewTimeout(time.Minute), http.StatusGatewayTimeout},
		{model.NewConfiguration("missing"), http.StatusInternalServerError},
		{model.NewRetryLimit(3, 500), http.StatusBadGateway},
		{fmt.Errorf("plain"), http.StatusBadGateway},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeError(w, c.err)
		if w.Code != c.status {
			t.Errorf("writeError(%v): expected %d, got %d", c.err, c.status, w.Code)
		}
	}
}
