package policy

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jkaninda/toolgate/internal/config"
)

// Effect is the outcome an ABAC rule produces when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Operator compares a context attribute with a rule value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpIn          Operator = "in"
)

// Condition is one attribute test. An empty Operator means equals.
type Condition struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value"`
}

// ABACRule matches when every condition holds.
type ABACRule struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Effect      Effect      `json:"effect"`
	Priority    int         `json:"priority"` // Higher runs first.
}

// Matches reports whether all conditions hold for attrs.
func (r ABACRule) Matches(attrs map[string]any) bool {
	for _, c := range r.Conditions {
		v, ok := attrs[c.Key]
		if !ok || v == nil {
			return false
		}
		if !c.match(v) {
			return false
		}
	}
	return true
}

func (c Condition) match(actual any) bool {
	switch c.Operator {
	case OpEquals, "":
		return valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(c.Value))
	case OpGreaterThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		return okA && okB && a < b
	case OpIn:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := range rv.Len() {
			if valuesEqual(actual, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return false
}

// valuesEqual compares numbers by value regardless of their Go type, so a
// JSON-decoded float64 equals a YAML-decoded int.
func valuesEqual(a, b any) bool {
	if fa, ok := numeric(a); ok {
		fb, ok := numeric(b)
		return ok && fa == fb
	}
	if _, ok := numeric(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// numeric converts Go number types only.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// toFloat also parses numeric strings, for ordering comparisons.
func toFloat(v any) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	switch s := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	case bool:
		if s {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ruleSet keeps rules sorted by descending priority.
type ruleSet struct {
	mu    sync.RWMutex
	rules []ABACRule
}

func (s *ruleSet) add(rules ...ABACRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rules...)
	sort.SliceStable(s.rules, func(i, j int) bool {
		return s.rules[i].Priority > s.rules[j].Priority
	})
}

func (s *ruleSet) list() []ABACRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ABACRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// firstMatch returns the highest-priority rule matching attrs.
func (s *ruleSet) firstMatch(attrs map[string]any) (ABACRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Matches(attrs) {
			return r, true
		}
	}
	return ABACRule{}, false
}

// RulesFromConfig converts configured ABAC rules.
func RulesFromConfig(cfgs []config.ABACRuleConfig) []ABACRule {
	rules := make([]ABACRule, 0, len(cfgs))
	for _, rc := range cfgs {
		r := ABACRule{
			Name:        rc.Name,
			Description: rc.Description,
			Effect:      Effect(rc.Effect),
			Priority:    rc.Priority,
		}
		for _, c := range rc.Conditions {
			r.Conditions = append(r.Conditions, Condition{
				Key:      c.Attribute,
				Operator: Operator(c.Operator),
				Value:    c.Value,
			})
		}
		rules = append(rules, r)
	}
	return rules
}
