package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Schema is an explicit JSON Schema descriptor. The same value validates
// payloads (through Compile) and serializes to the wire schema sent to model
// providers and MCP clients.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	Pattern              string             `json:"pattern,omitempty"`
	Format               string             `json:"format,omitempty"`
	Default              any                `json:"default,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`

	// Sensitive marks a value that must never reach logs, spans or audit entries.
	Sensitive bool `json:"x-sensitive,omitempty"`
}

// Object builds an object schema.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// String builds a string schema.
func String(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

// Number builds a number schema.
func Number(description string) *Schema {
	return &Schema{Type: "number", Description: description}
}

// Integer builds an integer schema.
func Integer(description string) *Schema {
	return &Schema{Type: "integer", Description: description}
}

// Boolean builds a boolean schema.
func Boolean(description string) *Schema {
	return &Schema{Type: "boolean", Description: description}
}

// Array builds an array schema of items.
func Array(items *Schema, description string) *Schema {
	return &Schema{Type: "array", Items: items, Description: description}
}

// Any accepts every JSON value.
func Any() *Schema {
	return &Schema{}
}

// Secret returns a copy of s marked sensitive.
func (s *Schema) Secret() *Schema {
	c := *s
	c.Sensitive = true
	return &c
}

// Closed returns a copy of s that rejects undeclared properties.
func (s *Schema) Closed() *Schema {
	c := *s
	f := false
	c.AdditionalProperties = &f
	return &c
}

// JSON renders the wire form of the schema as a generic map.
func (s *Schema) JSON() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Validator checks decoded JSON values against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
	desc   *Schema
}

// Compile prepares the schema for validation. Formats such as "email" and
// "uri" are asserted, not treated as annotations.
func (s *Schema) Compile() (*Validator, error) {
	doc := s.JSON()
	doc["$schema"] = "https://json-schema.org/draft/2020-12/schema"

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Validator{schema: sch, desc: s}, nil
}

// ValidateJSON decodes raw and validates it. The returned slice lists one
// message per violated constraint, located by JSON pointer.
func (v *Validator) ValidateJSON(raw json.RawMessage) []string {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("invalid JSON: %v", err)}
	}
	return v.Validate(doc)
}

// Validate validates an already decoded value.
func (v *Validator) Validate(doc any) []string {
	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	p := message.NewPrinter(language.English)
	var msgs []string
	v.collectLeaves(ve, p, &msgs)
	if len(msgs) == 0 {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return msgs
}

// collectLeaves renders one message per failed constraint. Messages for
// sensitive locations omit the constraint detail, which may quote the value.
func (v *Validator) collectLeaves(ve *jsonschema.ValidationError, p *message.Printer, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		if v.desc.sensitiveAt(ve.InstanceLocation) {
			*out = append(*out, loc+": invalid value")
			return
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(p)))
		return
	}
	for _, c := range ve.Causes {
		v.collectLeaves(c, p, out)
	}
}

// sensitiveAt reports whether the value at the JSON pointer path is, or is
// nested inside, a field marked sensitive.
func (s *Schema) sensitiveAt(path []string) bool {
	cur := s
	for _, tok := range path {
		if cur == nil {
			return false
		}
		if cur.Sensitive {
			return true
		}
		switch {
		case cur.Properties[tok] != nil:
			cur = cur.Properties[tok]
		case cur.Items != nil && isIndex(tok):
			cur = cur.Items
		default:
			return false
		}
	}
	return cur != nil && cur.Sensitive
}

func isIndex(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalize converts any Go value into the generic JSON shape the validator expects.
func normalize(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
