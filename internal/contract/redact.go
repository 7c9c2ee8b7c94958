package contract

import "encoding/json"

// Redacted replaces every sensitive value.
const Redacted = "[REDACTED]"

// Redact returns a copy of value with every property the schema marks
// Sensitive replaced by Redacted. Nested objects and array items are walked
// through their own schemas. Values the schema does not describe pass through.
func Redact(s *Schema, value any) any {
	if s == nil {
		return value
	}
	if s.Sensitive {
		return Redacted
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if ps, ok := s.Properties[k]; ok {
				out[k] = Redact(ps, item)
			} else {
				out[k] = item
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Redact(s.Items, item)
		}
		return out
	default:
		return value
	}
}

// RedactJSON decodes raw, redacts it and returns the generic value. Invalid
// JSON yields nil.
func RedactJSON(s *Schema, raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return Redact(s, v)
}
