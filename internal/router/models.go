package router

import (
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/llm"
)

// Role is the kind of task a model call serves. Roles map to models of
// different cost.
type Role string

const (
	RoleIntentDetection Role = "intent_detection"
	RoleRouting         Role = "routing"
	RoleRecommendation  Role = "recommendation"
	RoleExplanation     Role = "explanation"
	RoleQuoteGeneration Role = "quote_generation"
	RoleAnalyticsBatch  Role = "analytics_batch"
	RoleGeneral         Role = "general"
)

const (
	modelGPT4Turbo = "gpt-4-turbo-preview"
	modelGPT35     = "gpt-3.5-turbo"
)

// DefaultRoles returns the built-in role to model mapping.
func DefaultRoles() map[Role]llm.ModelConfig {
	premium := func(t float64) llm.ModelConfig {
		return llm.ModelConfig{Model: modelGPT4Turbo, Temperature: llm.Temperature(t), FallbackModel: modelGPT35}
	}
	return map[Role]llm.ModelConfig{
		RoleIntentDetection: {Model: modelGPT35, Temperature: llm.Temperature(0.3)},
		RoleRouting:         {Model: modelGPT35, Temperature: llm.Temperature(0.5)},
		RoleRecommendation:  premium(0.7),
		RoleExplanation:     premium(0.7),
		RoleQuoteGeneration: premium(0.5),
		RoleAnalyticsBatch:  premium(0.3),
		RoleGeneral:         premium(0.7),
	}
}

// Price is a USD price per 1K tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultPrices returns the built-in price table.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		modelGPT4Turbo:      {Input: 0.01, Output: 0.03},
		"gpt-4":             {Input: 0.03, Output: 0.06},
		modelGPT35:          {Input: 0.0005, Output: 0.0015},
		"gpt-3.5-turbo-16k": {Input: 0.003, Output: 0.004},
	}
}

// rolesFromConfig overlays configured role mappings on the defaults.
func rolesFromConfig(overrides map[string]config.RoleModelConfig) map[Role]llm.ModelConfig {
	roles := DefaultRoles()
	for name, rc := range overrides {
		roles[Role(name)] = llm.ModelConfig{
			Model:         rc.Model,
			Temperature:   rc.Temperature,
			MaxTokens:     rc.MaxTokens,
			FallbackModel: rc.FallbackModel,
		}
	}
	return roles
}

func pricesFromConfig(extra map[string]config.PriceConfig) map[string]Price {
	prices := DefaultPrices()
	for model, pc := range extra {
		prices[model] = Price{Input: pc.Input, Output: pc.Output}
	}
	return prices
}
