package model

import "github.com/google/uuid"

// ProviderID identifies a backend LLM provider.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
)

func (p ProviderID) String() string { return string(p) }

// ModelID identifies a model within a provider.
type ModelID string

const (
	GPT4       ModelID = "gpt-4"
	GPT4Turbo  ModelID = "gpt-4-turbo-preview"
	GPT4o      ModelID = "gpt-4o"
	GPT4oMini  ModelID = "gpt-4o-mini"
	GPT35Turbo ModelID = "gpt-3.5-turbo"

	Claude3Opus    ModelID = "claude-3-opus-20240229"
	Claude3Sonnet  ModelID = "claude-3-sonnet-20240229"
	Claude3Haiku   ModelID = "claude-3-haiku-20240307"
	Claude35Sonnet ModelID = "claude-3-5-sonnet-20241022"
	Claude35Haiku  ModelID = "claude-3-5-haiku-20241022"
)

func (m ModelID) String() string { return string(m) }

// RequestID is a unique identifier attached to a single call for tracking.
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func (r RequestID) String() string { return string(r) }

// TokenUsage reports token consumption for one completed request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewTokenUsage derives the total from the prompt and completion counts.
func NewTokenUsage(prompt, completion int) TokenUsage {
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Normalize recomputes the total instead of trusting provider-reported sums.
func (u TokenUsage) Normalize() TokenUsage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
