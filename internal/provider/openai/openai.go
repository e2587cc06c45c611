package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/pkg/model"
	"github.com/modelbridge/modelbridge/pkg/sse"
)

const DefaultBaseURL = "https://api.openai.com"

// doneSentinel closes a stream normally.
const doneSentinel = "[DONE]"

// Provider speaks the OpenAI chat-completions protocol. The canonical request
// is already wire-compatible, so it is serialized near-verbatim.
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
	return model.ProviderOpenAI
}

func (p *Provider) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, model.NewDecode(err)
	}
	if chatResp.Usage != nil {
		usage := chatResp.Usage.Normalize()
		chatResp.Usage = &usage
	}
	return &chatResp, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *model.ChatRequest) (<-chan provider.StreamItem, error) {
	wire := req.Clone()
	streaming := true
	wire.Stream = &streaming

	resp, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.StreamItem)
	go relay(ctx, resp.Body, ch)
	return ch, nil
}

// relay decodes SSE events into canonical chunks until the sentinel, an
// error, or cancellation. The error item, if any, is the last send.
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

		if string(ev.Data) == doneSentinel {
			return
		}

		var chunk model.StreamingChatResponse
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			send(provider.StreamItem{Err: model.NewDecode(err)})
			return
		}
		if !send(provider.StreamItem{Chunk: &chunk}) {
			return
		}
	}
}

// post sends the request body and returns the response with a 2xx status; any
// other outcome is returned as a classified error with the response body
// captured best-effort.
func (p *Provider) post(ctx context.Context, req *model.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, model.NewDecode(err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

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
