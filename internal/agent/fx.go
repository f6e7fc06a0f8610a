package agent

import (
	"github.com/User159951/intellipm/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("agent",
	fx.Provide(provideInvoker),
)

// provideInvoker falls back to a static echo invoker when no API key is
// configured, so local development does not require credentials.
func provideInvoker(cfg config.Config, log *zap.Logger) (Invoker, error) {
	if cfg.AnthropicAPIKey == "" {
		log.Warn("no anthropic api key configured; using static invoker")
		return &StaticInvoker{Completion: Completion{
			Text:  "model invocation is not configured",
			Model: cfg.AnthropicModel,
		}}, nil
	}
	return NewAnthropicInvoker(cfg, log)
}
