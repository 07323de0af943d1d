package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/bedrock"
	"github.com/castellan/mail-sentinel/internal/adapters/gemini"
	"github.com/castellan/mail-sentinel/internal/adapters/openai"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/utils"
)

// ScorerFactory creates scoring clients
type ScorerFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewScorerFactory creates a new scorer factory
func NewScorerFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *ScorerFactory {
	return &ScorerFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateScoringClient creates a new scoring client based on the configuration
func (f *ScorerFactory) CreateScoringClient() (core.ScoringClient, error) {
	provider := f.cfg.GetString("scoring.provider")

	switch provider {
	case "bedrock":
		factory := bedrock.NewFactory(f.cfg, f.logger, f.textProcessor)
		return factory.CreateScoringClient()
	case "gemini":
		if f.cfg.GetString("gemini.api_key") == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		factory := gemini.NewFactory(f.cfg, f.logger, f.textProcessor)
		return factory.CreateScoringClient()
	case "openai":
		if f.cfg.GetString("openai.api_key") == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
		factory := openai.NewFactory(f.cfg, f.logger, f.textProcessor)
		return factory.CreateScoringClient()
	default:
		return nil, fmt.Errorf("unsupported scoring provider: %s", provider)
	}
}
