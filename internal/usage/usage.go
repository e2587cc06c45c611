package usage

import (
	"context"
	"time"
)

// Record is one completed gateway call: who asked, which provider and model
// answered, what it consumed, and how it ended.
type Record struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	User             string    `json:"user"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Outcome          string    `json:"outcome"` // "success" or "error"
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates records over a window.
type Summary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, user string, from, to time.Time) ([]*Record, error)
	SummarizeByUser(ctx context.Context, user string, from, to time.Time) (*Summary, error)
}
