package llm

import (
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
)

// AnthropicOptions configures the default Anthropic-backed adapter.
type AnthropicOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropic builds the default LLM service adapter: providers.AnthropicProvider,
// wrapping the real anthropic-sdk-go client (streaming SSE, tool use,
// retries), exposed over the minimal LLMTurn surface the executor needs.
func NewAnthropic(opts AnthropicOptions) (*Adapter, error) {
	cfg := providers.AnthropicConfig{
		APIKey:     opts.APIKey,
		BaseURL:    opts.BaseURL,
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
	}
	if opts.Model != "" {
		cfg.DefaultModel = opts.Model
	}
	provider, err := providers.NewAnthropicProvider(cfg)
	if err != nil {
		return nil, err
	}
	adapterOpts := []Option{}
	if opts.Model != "" {
		adapterOpts = append(adapterOpts, WithModel(opts.Model))
	}
	if opts.MaxTokens > 0 {
		adapterOpts = append(adapterOpts, WithMaxTokens(opts.MaxTokens))
	}
	return New(provider, adapterOpts...), nil
}

// NewOpenAI builds a secondary LLMTurn adapter over providers.OpenAIProvider,
// intended as a Failover() fallback behind the default Anthropic adapter.
func NewOpenAI(apiKey, model string) *Adapter {
	provider := providers.NewOpenAIProvider(apiKey)
	opts := []Option{}
	if model != "" {
		opts = append(opts, WithModel(model))
	}
	return New(provider, opts...)
}

// NewFromProvider adapts an arbitrary already-constructed agent.LLMProvider
// — a tape.Replayer, a FailoverOrchestrator, or a caller's own
// implementation — without this package needing a dedicated constructor
// for each.
func NewFromProvider(p agent.LLMProvider, opts ...Option) *Adapter {
	return New(p, opts...)
}
