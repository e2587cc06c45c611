package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/modelbridge/modelbridge/internal/client"
	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/pkg/model"
)

// Router holds one client per configured provider and a circuit breaker in
// front of each, so a failing backend is shed instead of hammered.
type Router struct {
	clients  map[model.ProviderID]*client.Client
	breakers map[model.ProviderID]*gobreaker.CircuitBreaker
}

func NewRouter(clients []*client.Client) *Router {
	byID := make(map[model.ProviderID]*client.Client)
	breakers := make(map[model.ProviderID]*gobreaker.CircuitBreaker)
	for _, c := range clients {
		byID[c.ID()] = c
		settings := gobreaker.Settings{
			Name:        c.ID().String(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[c.ID()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		clients:  byID,
		breakers: breakers,
	}
}

// Route picks the client serving the requested model.
func (r *Router) Route(req *model.ChatRequest) (*client.Client, error) {
	id := providerFor(req.Model)
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("no client configured for provider: %s", id)
	}
	if r.breakers[id].State() == gobreaker.StateOpen {
		return nil, errors.New("provider unavailable")
	}
	return c, nil
}

// providerFor maps a model identifier onto the provider that serves it.
func providerFor(m model.ModelID) model.ProviderID {
	if strings.HasPrefix(m.String(), "claude") {
		return model.ProviderAnthropic
	}
	return model.ProviderOpenAI
}

func (r *Router) Execute(ctx context.Context, req *model.ChatRequest, c *client.Client) (*model.ChatResponse, error) {
	cb := r.breakers[c.ID()]
	result, err := cb.Execute(func() (interface{}, error) {
		return c.Chat(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.ChatResponse), nil
}

func (r *Router) ExecuteStream(ctx context.Context, req *model.ChatRequest, c *client.Client) (<-chan provider.StreamItem, error) {
	cb := r.breakers[c.ID()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", c.ID())
	}

	origCh, err := c.ChatStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	// Relay the stream so mid-stream failures still feed the breaker.
	wrappedCh := make(chan provider.StreamItem)
	go func() {
		defer close(wrappedCh)
		for item := range origCh {
			if item.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, item.Err
				})
			}
			select {
			case wrappedCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
