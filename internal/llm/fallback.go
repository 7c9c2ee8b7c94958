package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// FallbackProvider wraps multiple providers and tries them in order.
// If the primary provider fails, subsequent providers are tried until
// one succeeds or all have failed.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage tries each provider in order, returning the first successful response.
// A cancelled context stops the chain.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}

// Mux dispatches a request to a provider chosen by model-name prefix.
// Requests whose model matches no prefix go to the default provider.
type Mux struct {
	routes []muxRoute
	def    Provider
}

type muxRoute struct {
	prefix   string
	provider Provider
}

// NewMux creates a Mux with a default provider.
func NewMux(def Provider) *Mux {
	return &Mux{def: def}
}

// Handle routes models starting with prefix to p.
func (m *Mux) Handle(prefix string, p Provider) *Mux {
	m.routes = append(m.routes, muxRoute{prefix: prefix, provider: p})
	return m
}

// Resolve returns the provider for a model name.
func (m *Mux) Resolve(model string) Provider {
	for _, r := range m.routes {
		if strings.HasPrefix(model, r.prefix) {
			return r.provider
		}
	}
	return m.def
}

func (m *Mux) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	p := m.Resolve(req.Model)
	if p == nil {
		return nil, fmt.Errorf("no model provider configured for %q", req.Model)
	}
	return p.SendMessage(ctx, req)
}

func (m *Mux) Name() string { return "mux" }

var (
	_ Provider = (*FallbackProvider)(nil)
	_ Provider = (*Mux)(nil)
)
