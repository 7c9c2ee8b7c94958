package registry

import (
	"github.com/jkaninda/toolgate/internal/contract"
)

// Descriptor is the discovery view of a registered tool.
type Descriptor struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Version      string                `json:"version"`
	Description  string                `json:"description"`
	Category     string                `json:"category"`
	Tags         []string              `json:"tags,omitempty"`
	RiskLevel    contract.RiskLevel    `json:"riskLevel"`
	PIILevel     contract.PIILevel     `json:"piiLevel"`
	Idempotency  contract.Idempotency  `json:"idempotency"`
	InputSchema  map[string]any        `json:"inputSchema"`
	OutputSchema map[string]any        `json:"outputSchema"`
	Examples     []contract.Example    `json:"examples,omitempty"`
	Deprecated   *contract.Deprecation `json:"deprecated,omitempty"`
}

// OpenAITool is a tool in the OpenAI function-calling format.
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Contracts returns the registered contracts in registration order.
func (r *Registry) Contracts() []*contract.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contract.Contract, len(r.order))
	for i, id := range r.order {
		out[i] = r.tools[id].Contract
	}
	return out
}

// List returns discovery records in registration order.
func (r *Registry) List() []Descriptor {
	contracts := r.Contracts()
	out := make([]Descriptor, len(contracts))
	for i, c := range contracts {
		out[i] = Descriptor{
			ID:           c.ID,
			Name:         c.Name,
			Version:      c.Version,
			Description:  c.Description,
			Category:     c.Category,
			Tags:         c.Tags,
			RiskLevel:    c.RiskLevel,
			PIILevel:     c.PIILevel,
			Idempotency:  c.Idempotency,
			InputSchema:  c.InputSchema.JSON(),
			OutputSchema: c.OutputSchema.JSON(),
			Examples:     c.Examples,
			Deprecated:   c.Deprecated,
		}
	}
	return out
}

// OpenAITools returns every tool as an OpenAI function definition. The
// function name is the tool id.
func (r *Registry) OpenAITools() []OpenAITool {
	contracts := r.Contracts()
	out := make([]OpenAITool, len(contracts))
	for i, c := range contracts {
		out[i] = OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        c.ID,
				Description: c.Description,
				Parameters:  c.InputSchema.JSON(),
			},
		}
	}
	return out
}
