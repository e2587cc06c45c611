package model

import "encoding/json"

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one turn of a conversation.
//
// A message with RoleTool must carry the ToolCallID of the call it answers;
// producers are responsible for setting it.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func System(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func User(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func Assistant(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ToolResult builds a tool message answering the given tool call.
func ToolResult(content, toolCallID string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// FunctionDefinition describes a callable function exposed to the model.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool wraps a function definition in the wire envelope providers expect.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// ToolCall is a model-issued invocation of a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnmarshalArguments decodes the argument string into v.
func (f FunctionCall) UnmarshalArguments(v any) error {
	return json.Unmarshal([]byte(f.Arguments), v)
}

// ToolChoice selects the tool invocation policy. Use ToolChoiceAuto or
// ToolChoiceNone for the string forms, or ForceFunction for a specific tool.
type ToolChoice struct {
	mode     string
	function string
}

var (
	ToolChoiceAuto = ToolChoice{mode: "auto"}
	ToolChoiceNone = ToolChoice{mode: "none"}
)

// ForceFunction forces the model to call the named function.
func ForceFunction(name string) ToolChoice {
	return ToolChoice{mode: "function", function: name}
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.mode == "function" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.function},
		})
	}
	mode := t.mode
	if mode == "" {
		mode = "auto"
	}
	return json.Marshal(mode)
}

// Mode reports the policy: "auto", "none", or "function".
func (t ToolChoice) Mode() string {
	if t.mode == "" {
		return "auto"
	}
	return t.mode
}

// FunctionName returns the forced function name when Mode is "function".
func (t ToolChoice) FunctionName() string { return t.function }

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.mode = s
		t.function = ""
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.mode = "function"
	t.function = obj.Function.Name
	return nil
}

// ChatRequest is the provider-agnostic completion request. Field names and
// JSON tags follow the OpenAI wire protocol, which the OpenAI adapter sends
// near-verbatim. Adapters treat the request as read-only and clone it before
// annotating.
type ChatRequest struct {
	Model            ModelID            `json:"model"`
	Messages         []ChatMessage      `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stream           *bool              `json:"stream,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
	Tools            []Tool             `json:"tools,omitempty"`
	ToolChoice       *ToolChoice        `json:"tool_choice,omitempty"`
}

// Clone returns a shallow copy with its own message slice, so an adapter can
// annotate the copy (e.g. force stream=true) without touching the caller's
// request.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	cp.Messages = make([]ChatMessage, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// ChatChoice is one generated completion within a response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatResponse is the canonical completion response, identical in shape
// regardless of which provider produced it.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   ModelID      `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *TokenUsage  `json:"usage,omitempty"`
}

// Content returns the text of the first choice, or "" if there is none.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ToolCalls returns the tool calls of the first choice, or nil.
func (r *ChatResponse) ToolCalls() []ToolCall {
	if len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// StreamingChatChoice is one incremental update within a streamed choice.
type StreamingChatChoice struct {
	Index        int          `json:"index"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// StreamingChatResponse is one incremental chunk of a streamed completion.
// Concatenating the deltas per choice index reconstructs a full ChatResponse.
type StreamingChatResponse struct {
	ID      string                `json:"id"`
	Object  string                `json:"object"`
	Created int64                 `json:"created"`
	Model   ModelID               `json:"model"`
	Choices []StreamingChatChoice `json:"choices"`
}
