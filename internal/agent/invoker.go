// Package agent wraps the LLM provider behind a small invocation interface
// so the governance pipeline never depends on a concrete SDK.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/User159951/intellipm/internal/config"
	"go.uber.org/zap"
)

var ErrAPIKeyRequired = errors.New("anthropic api key required")

// Request is one model invocation.
type Request struct {
	AgentType    string
	SystemPrompt string
	Prompt       string
	MaxTokens    int64
}

// Completion is the model's answer plus its token accounting, which feeds the
// quota counters.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Invoker executes one bounded LLM call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Completion, error)
}

type anthropicInvoker struct {
	client  anthropic.Client
	model   anthropic.Model
	log     *zap.Logger
	timeout time.Duration
}

// NewAnthropicInvoker builds the production invoker. Every call is bounded by
// the configured invoke timeout regardless of the caller's context.
func NewAnthropicInvoker(cfg config.Config, log *zap.Logger) (Invoker, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return &anthropicInvoker{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:   anthropic.Model(cfg.AnthropicModel),
		log:     log.Named("agent.invoker"),
		timeout: cfg.Governance.InvokeTimeout,
	}, nil
}

func (a *anthropicInvoker) Invoke(ctx context.Context, req Request) (Completion, error) {
	if req.Prompt == "" {
		return Completion{}, errors.New("empty prompt")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	start := time.Now()
	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		a.log.Warn("model invocation failed",
			zap.String("agent_type", req.AgentType),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err),
		)
		return Completion{}, fmt.Errorf("invoke %s: %w", req.AgentType, err)
	}

	if len(message.Content) == 0 {
		return Completion{}, errors.New("model returned no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return Completion{}, fmt.Errorf("unexpected content block type %q", content.Type)
	}

	a.log.Debug("model invocation complete",
		zap.String("agent_type", req.AgentType),
		zap.Int64("input_tokens", message.Usage.InputTokens),
		zap.Int64("output_tokens", message.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	return Completion{
		Text:             content.Text,
		Model:            string(a.model),
		PromptTokens:     message.Usage.InputTokens,
		CompletionTokens: message.Usage.OutputTokens,
	}, nil
}

// IsRetryable reports whether the invocation error is worth retrying:
// rate limits, server errors, and network timeouts. Cancellation and client
// errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
