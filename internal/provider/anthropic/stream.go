package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/pkg/model"
	"github.com/modelbridge/modelbridge/pkg/sse"
)

// Streaming event payloads per the public messages streaming format. Events
// are named; the name is authoritative and the type field inside the payload
// mirrors it.
type streamEvent struct {
	Type         string        `json:"type"`
	Message      *wireResponse `json:"message,omitempty"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
	Error        *streamError  `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// relay maps named messages-API events onto canonical chunks until
// message_stop, an error event, or disconnection. Message identity (id and
// model arrive only on message_start) is threaded through as explicit state.
func relay(ctx context.Context, body io.ReadCloser, ch chan<- provider.StreamItem) {
	defer close(ch)
	defer body.Close()

	send := func(item provider.StreamItem) bool {
		select {
		case ch <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		msgID    string
		msgModel model.ModelID
		created  = time.Now().Unix()
	)
	chunk := func(choice model.StreamingChatChoice) *model.StreamingChatResponse {
		return &model.StreamingChatResponse{
			ID:      msgID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   msgModel,
			Choices: []model.StreamingChatChoice{choice},
		}
	}

	dec := sse.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(provider.StreamItem{Err: model.NewStream("disconnected before completion")})
			} else {
				send(provider.StreamItem{Err: &model.Error{Kind: model.KindStream, Message: err.Error(), Cause: err}})
			}
			return
		}

		var payload streamEvent
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			send(provider.StreamItem{Err: model.NewDecode(err)})
			return
		}

		name := ev.Name
		if name == "" {
			name = payload.Type
		}

		switch name {
		case "message_start":
			if payload.Message != nil {
				msgID = payload.Message.ID
				msgModel = model.ModelID(payload.Message.Model)
			}
			role := model.RoleAssistant
			if !send(provider.StreamItem{Chunk: chunk(model.StreamingChatChoice{
				Index: 0,
				Delta: &model.ChatMessage{Role: role},
			})}) {
				return
			}

		case "content_block_start":
			if payload.ContentBlock == nil || payload.ContentBlock.Type != "tool_use" {
				continue
			}
			if !send(provider.StreamItem{Chunk: chunk(model.StreamingChatChoice{
				Index: 0,
				Delta: &model.ChatMessage{
					Role: model.RoleAssistant,
					ToolCalls: []model.ToolCall{{
						ID:       payload.ContentBlock.ID,
						Type:     "function",
						Function: model.FunctionCall{Name: payload.ContentBlock.Name},
					}},
				},
			})}) {
				return
			}

		case "content_block_delta":
			if payload.Delta == nil {
				continue
			}
			switch payload.Delta.Type {
			case "text_delta":
				if payload.Delta.Text == "" {
					continue
				}
				if !send(provider.StreamItem{Chunk: chunk(model.StreamingChatChoice{
					Index: 0,
					Delta: &model.ChatMessage{Role: model.RoleAssistant, Content: payload.Delta.Text},
				})}) {
					return
				}
			case "input_json_delta":
				if !send(provider.StreamItem{Chunk: chunk(model.StreamingChatChoice{
					Index: 0,
					Delta: &model.ChatMessage{
						Role: model.RoleAssistant,
						ToolCalls: []model.ToolCall{{
							Type:     "function",
							Function: model.FunctionCall{Arguments: payload.Delta.PartialJSON},
						}},
					},
				})}) {
					return
				}
			}

		case "message_delta":
			if payload.Delta == nil || payload.Delta.StopReason == "" {
				continue
			}
			if !send(provider.StreamItem{Chunk: chunk(model.StreamingChatChoice{
				Index:        0,
				FinishReason: mapStopReason(payload.Delta.StopReason),
			})}) {
				return
			}

		case "message_stop":
			return

		case "error":
			msg := "stream error"
			if payload.Error != nil {
				msg = payload.Error.Message
			}
			send(provider.StreamItem{Err: model.NewProviderError(msg)})
			return

		case "ping", "content_block_stop":
			// Keepalive and block bookkeeping carry nothing canonical.
		}
	}
}
