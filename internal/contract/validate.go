package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// Validate checks the structural soundness of a contract. All problems are
// reported together, each wrapped in ErrInvalidContract.
func Validate(c *Contract) error {
	if c == nil {
		return fmt.Errorf("%w: contract is nil", ErrInvalidContract)
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.ID) == "" {
		add("tool contract must have a valid id")
	}
	if strings.TrimSpace(c.Name) == "" {
		add("tool contract must have a valid name")
	}
	if c.Version == "" {
		add("tool contract must have a valid version")
	} else if !semverPattern.MatchString(c.Version) {
		add("version %q is not valid semver format", c.Version)
	}
	if strings.TrimSpace(c.Description) == "" {
		add("tool contract must have a valid description")
	}
	if strings.TrimSpace(c.Category) == "" {
		add("tool contract must have a valid category")
	}

	if !c.RiskLevel.Valid() {
		add("invalid riskLevel: %q", c.RiskLevel)
	}
	if !c.PIILevel.Valid() {
		add("invalid piiLevel: %q", c.PIILevel)
	}
	if !c.Idempotency.Valid() {
		add("invalid idempotency: %q", c.Idempotency)
	}

	var input *Validator
	if c.InputSchema == nil {
		add("tool contract must have an inputSchema")
	} else if v, err := c.InputSchema.Compile(); err != nil {
		add("inputSchema: %v", err)
	} else {
		input = v
	}
	if c.OutputSchema == nil {
		add("tool contract must have an outputSchema")
	} else if _, err := c.OutputSchema.Compile(); err != nil {
		add("outputSchema: %v", err)
	}

	if c.Handler == nil {
		add("tool contract must have a handler")
	}

	if rl := c.RateLimit; rl != nil {
		if rl.MaxCalls <= 0 {
			add("rateLimit.maxCalls must be greater than 0")
		}
		if rl.Window <= 0 {
			add("rateLimit.window must be greater than 0")
		}
		if rl.Scope != "" && !rl.Scope.Valid() {
			add("invalid rateLimit.scope: %q", rl.Scope)
		}
	}

	if cp := c.CostProfile; cp != nil {
		if cp.EstimatedCostPerCall < 0 {
			add("costProfile.estimatedCostPerCall must be >= 0")
		}
		if cp.MaxCostPerCall < 0 {
			add("costProfile.maxCostPerCall must be >= 0")
		}
	}

	for i, ex := range c.Examples {
		if ex.Name == "" {
			add("example %d must have a name", i)
		}
		if len(ex.Input) == 0 {
			add("example %d must have an input", i)
			continue
		}
		if input != nil {
			if msgs := input.ValidateJSON(ex.Input); len(msgs) > 0 {
				add("example %d input does not match inputSchema: %s", i, strings.Join(msgs, ", "))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = fmt.Errorf("%w: %s", ErrInvalidContract, p)
	}
	return errors.Join(errs...)
}

// ValidationError carries per-constraint messages for a rejected payload.
type ValidationError struct {
	Prefix  string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Prefix, strings.Join(e.Details, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Compiled is a validated contract with its schemas ready for use.
type Compiled struct {
	*Contract
	input  *Validator
	output *Validator
}

// Compile validates c and prepares its schemas.
func Compile(c *Contract) (*Compiled, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	in, err := c.InputSchema.Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: inputSchema: %v", ErrInvalidContract, err)
	}
	out, err := c.OutputSchema.Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: outputSchema: %v", ErrInvalidContract, err)
	}
	return &Compiled{Contract: c, input: in, output: out}, nil
}

// ValidateInput checks raw against the input schema.
func (c *Compiled) ValidateInput(raw json.RawMessage) error {
	if msgs := c.input.ValidateJSON(raw); len(msgs) > 0 {
		return &ValidationError{Prefix: "Validation failed", Details: msgs}
	}
	return nil
}

// ValidateOutput checks a handler result against the output schema and
// returns its JSON encoding.
func (c *Compiled) ValidateOutput(out any) (json.RawMessage, error) {
	raw, err := normalize(out)
	if err != nil {
		return nil, &ValidationError{Prefix: "Output validation failed", Details: []string{err.Error()}}
	}
	if msgs := c.output.ValidateJSON(raw); len(msgs) > 0 {
		return nil, &ValidationError{Prefix: "Output validation failed", Details: msgs}
	}
	return raw, nil
}
