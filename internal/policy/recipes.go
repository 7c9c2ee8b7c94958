package policy

import (
	"fmt"
	"time"

	"github.com/jkaninda/toolgate/internal/contract"
)

// Recipe applies a prepared policy to a contract's policy metadata.
type Recipe func(c *contract.Contract)

// Apply runs each recipe against c in order and returns c.
func Apply(c *contract.Contract, recipes ...Recipe) *contract.Contract {
	for _, r := range recipes {
		r(c)
	}
	return c
}

func hourly(maxCalls int, scope contract.RateLimitScope) *contract.RateLimit {
	return &contract.RateLimit{MaxCalls: maxCalls, Window: time.Hour, Scope: scope}
}

// HighRiskToolPolicy requires review, admin or manager role, and 10 calls/hour per user.
func HighRiskToolPolicy() Recipe {
	return func(c *contract.Contract) {
		c.RequiresHumanReview = true
		c.RateLimit = hourly(10, contract.ScopeUser)
		c.RolesAllowed = []string{"admin", "manager"}
	}
}

// PublicToolPolicy limits each session to maxPerHour calls. Zero means 100.
func PublicToolPolicy(maxPerHour int) Recipe {
	if maxPerHour <= 0 {
		maxPerHour = 100
	}
	return func(c *contract.Contract) {
		c.RateLimit = hourly(maxPerHour, contract.ScopeSession)
	}
}

// TenantIsolatedToolPolicy shares 1000 calls/hour across each tenant.
func TenantIsolatedToolPolicy() Recipe {
	return func(c *contract.Contract) {
		c.RateLimit = hourly(1000, contract.ScopeTenant)
	}
}

// PIISensitiveToolPolicy marks common personal fields of the input schema as
// sensitive so they are redacted from audit and traces.
func PIISensitiveToolPolicy() Recipe {
	return func(c *contract.Contract) {
		if c.InputSchema != nil {
			for _, field := range []string{"email", "phone", "ssn", "creditCard", "password"} {
				if p, ok := c.InputSchema.Properties[field]; ok && p != nil {
					c.InputSchema.Properties[field] = p.Secret()
				}
			}
		}
		c.RateLimit = hourly(50, contract.ScopeUser)
		c.RolesAllowed = []string{"admin", "user"}
	}
}

func AdminOnlyToolPolicy() Recipe {
	return func(c *contract.Contract) {
		c.RolesAllowed = []string{"admin"}
		c.RateLimit = hourly(1000, contract.ScopeGlobal)
	}
}

// VerifyToolPolicy restricts the input domain and limits sessions to 100 calls/hour.
func VerifyToolPolicy(domains ...string) Recipe {
	return func(c *contract.Contract) {
		c.DomainWhitelist = domains
		c.RateLimit = hourly(100, contract.ScopeSession)
	}
}

// DepartmentRule allows callers whose department attribute equals department.
func DepartmentRule(department string) ABACRule {
	return ABACRule{
		Name:        "department-" + department,
		Description: fmt.Sprintf("Allow access for users in %s department", department),
		Conditions:  []Condition{{Key: "department", Operator: OpEquals, Value: department}},
		Effect:      EffectAllow,
		Priority:    100,
	}
}

// TimeWindowRule allows calls when currentHour is strictly between start and end.
func TimeWindowRule(startHour, endHour int) ABACRule {
	return ABACRule{
		Name:        fmt.Sprintf("time-window-%d-%d", startHour, endHour),
		Description: fmt.Sprintf("Allow access between %d:00 and %d:00", startHour, endHour),
		Conditions: []Condition{
			{Key: "currentHour", Operator: OpGreaterThan, Value: startHour},
			{Key: "currentHour", Operator: OpLessThan, Value: endHour},
		},
		Effect:   EffectAllow,
		Priority: 50,
	}
}

// CostLimitRule allows calls whose estimatedCost is below maxCost.
func CostLimitRule(maxCost float64) ABACRule {
	return ABACRule{
		Name:        fmt.Sprintf("cost-limit-%g", maxCost),
		Description: fmt.Sprintf("Allow access if estimated cost is below %g", maxCost),
		Conditions:  []Condition{{Key: "estimatedCost", Operator: OpLessThan, Value: maxCost}},
		Effect:      EffectAllow,
		Priority:    75,
	}
}
