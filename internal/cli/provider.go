package cli

import (
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/Docfold-Labs/docfold/internal/config"
	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/generate/anthropic"
	"github.com/Docfold-Labs/docfold/internal/generate/openai"
)

// newGenerateClient builds the generation backend the config selects.
// Adapter defaults stand wherever the config leaves a field unset.
func newGenerateClient(cfg *config.Config) (generate.Client, error) {
	gen := cfg.Generate
	switch gen.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewClient(func(o *anthropic.Options) {
			if gen.Model != "" {
				o.Model = anthropicsdk.Model(gen.Model)
			}
			if gen.Temperature > 0 {
				o.Temperature = gen.Temperature
			}
			if gen.MaxTokens > 0 {
				o.MaxTokens = int64(gen.MaxTokens)
			}
			if gen.APIKey != "" {
				o.APIKey = gen.APIKey
			}
		}), nil

	case config.ProviderOpenAI:
		return openai.NewClient(func(o *openai.Options) {
			if gen.Model != "" {
				o.Model = gen.Model
			}
			if gen.Temperature > 0 {
				o.Temperature = gen.Temperature
			}
			if gen.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(gen.MaxTokens)
			}
			if gen.APIKey != "" {
				o.APIKey = gen.APIKey
			}
		}), nil

	case config.ProviderStatic:
		return &generate.Static{}, nil

	default:
		return nil, fmt.Errorf("unsupported generation provider %q", gen.Provider)
	}
}
