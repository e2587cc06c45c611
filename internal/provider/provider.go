package provider

import (
	"context"

	"github.com/modelbridge/modelbridge/pkg/model"
)

// StreamItem is one element of a streaming response sequence. Exactly one of
// Chunk and Err is set. An item carrying Err is always the last one sent
// before the channel closes; a channel that closes without one ended normally.
type StreamItem struct {
	Chunk *model.StreamingChatResponse
	Err   error
}

// Provider translates the canonical request/response model to and from one
// backend wire protocol. Implementations hold a shared HTTP client and no
// per-call mutable state, so a single value serves concurrent callers without
// locking.
//
// ChatStream returns an error for failures that occur before the stream is
// established (dial errors, non-2xx status); after that, failures arrive as
// the final StreamItem. Cancelling ctx releases the connection and stops all
// sends.
type Provider interface {
	ID() model.ProviderID
	Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)
	ChatStream(ctx context.Context, req *model.ChatRequest) (<-chan StreamItem, error)
}
