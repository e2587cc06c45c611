package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/pkg/model"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"

	// The messages API rejects requests without max_tokens; this is applied
	// when the caller left it unset.
	defaultMaxTokens = 1024
)

// Provider speaks the Anthropic messages protocol. The request and response
// shapes differ structurally from the canonical model (top-level system
// prompt, typed content blocks, different stop reasons); this adapter bridges
// the asymmetry so its output is indistinguishable from the OpenAI adapter's.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() model.ProviderID {
	return model.ProviderAnthropic
}

type wireRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []wireMessage   `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
	Metadata      *wireMetadata   `json:"metadata,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type wireMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type wireResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Provider) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	resp, err := p.post(ctx, mapRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, model.NewDecode(err)
	}
	return mapResponse(&wire), nil
}

func (p *Provider) ChatStream(ctx context.Context, req *model.ChatRequest) (<-chan provider.StreamItem, error) {
	resp, err := p.post(ctx, mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.StreamItem)
	go relay(ctx, resp.Body, ch)
	return ch, nil
}

// mapRequest bridges the canonical request into the messages shape. System
// messages are lifted into the top-level system field, tool results become
// tool_result blocks, and assistant tool calls become tool_use blocks.
func mapRequest(req *model.ChatRequest, stream bool) *wireRequest {
	var system []string
	var messages []wireMessage

	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleTool:
			messages = append(messages, wireMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case model.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: json.RawMessage(call.Function.Arguments),
				})
			}
			messages = append(messages, wireMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, wireMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	wire := &wireRequest{
		Model:         req.Model.String(),
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n\n"),
		Messages:      messages,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.User != "" {
		wire.Metadata = &wireMetadata{UserID: req.User}
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode() {
		case "none":
			wire.ToolChoice = &wireToolChoice{Type: "none"}
		case "function":
			wire.ToolChoice = &wireToolChoice{Type: "tool", Name: req.ToolChoice.FunctionName()}
		default:
			wire.ToolChoice = &wireToolChoice{Type: "auto"}
		}
	}
	return wire
}

// mapResponse folds the content blocks back into one canonical assistant
// message: text blocks concatenated, tool_use blocks as tool calls.
func mapResponse(wire *wireResponse) *model.ChatResponse {
	message := model.ChatMessage{Role: model.RoleAssistant}
	var text []string
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: model.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	message.Content = strings.Join(text, "")

	usage := model.NewTokenUsage(wire.Usage.InputTokens, wire.Usage.OutputTokens)
	return &model.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model.ModelID(wire.Model),
		Choices: []model.ChatChoice{{
			Index:        0,
			Message:      message,
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: &usage,
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (p *Provider) post(ctx context.Context, wire *wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, model.NewDecode(err)
	}

	url := fmt.Sprintf("%s/v1/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &model.Error{Kind: model.KindStream, Message: err.Error(), Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, model.FromStatus(resp.StatusCode, string(respBody))
	}
	return resp, nil
}
