package kernel

import (
	"context"
	"sync"
	"time"
)

// CeilingRule is a hard ceiling on a well-known mutation. The Field names the
// numeric parameter counted against the ceiling; an empty Field counts
// invocations instead.
type CeilingRule struct {
	Action      string
	Ceiling     string
	Field       string
	PerTransfer float64
	PerDay      float64
	PerMonth    float64
}

// defaultCeilingRules covers bulk mutations and disbursements.
var defaultCeilingRules = []CeilingRule{
	{Action: "domain.disbursements.create", Ceiling: "disbursement_amount", Field: "amount", PerTransfer: 10_000, PerDay: 50_000, PerMonth: 250_000},
	{Action: "domain.refunds.create", Ceiling: "refund_amount", Field: "amount", PerTransfer: 5_000, PerDay: 25_000, PerMonth: 100_000},
	{Action: "domain.bulk.update", Ceiling: "bulk_updates", PerDay: 20, PerMonth: 200},
	{Action: "domain.bulk.delete", Ceiling: "bulk_deletes", PerDay: 5, PerMonth: 50},
}

type ceilingUsage struct {
	day        float64
	dayStart   time.Time
	month      float64
	monthStart time.Time
}

// StaticCeilings is the in-process CeilingsAdapter over a static rule table.
type StaticCeilings struct {
	mu    sync.Mutex
	rules map[string]CeilingRule   // action -> rule
	usage map[string]*ceilingUsage // ceiling|tenant -> usage
	now   func() time.Time
}

// NewStaticCeilings builds the adapter; nil rules selects the default table.
func NewStaticCeilings(rules []CeilingRule) *StaticCeilings {
	if rules == nil {
		rules = defaultCeilingRules
	}
	byAction := make(map[string]CeilingRule, len(rules))
	for _, r := range rules {
		byAction[r.Action] = r
	}
	return &StaticCeilings{
		rules: byAction,
		usage: make(map[string]*ceilingUsage),
		now:   time.Now,
	}
}

// Check enforces the rule for action, if any, and records usage on success.
func (c *StaticCeilings) Check(ctx context.Context, action string, params map[string]interface{}, tenantID string) error {
	rule, ok := c.rules[action]
	if !ok {
		return nil
	}

	amount := 1.0
	if rule.Field != "" {
		v, ok := params[rule.Field]
		if !ok {
			return nil // nothing to measure against
		}
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		amount = f
	}

	if rule.PerTransfer > 0 && amount > rule.PerTransfer {
		return &CeilingError{Ceiling: rule.Ceiling + ".per_transfer", Limit: rule.PerTransfer, Value: amount}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.rollover(rule.Ceiling, tenantID)
	if rule.PerDay > 0 && u.day+amount > rule.PerDay {
		return &CeilingError{Ceiling: rule.Ceiling + ".per_day", Limit: rule.PerDay, Value: u.day + amount}
	}
	if rule.PerMonth > 0 && u.month+amount > rule.PerMonth {
		return &CeilingError{Ceiling: rule.Ceiling + ".per_month", Limit: rule.PerMonth, Value: u.month + amount}
	}

	u.day += amount
	u.month += amount
	return nil
}

// GetUsage returns accumulated usage for a ceiling in the given period
// ("day" or "month", defaulting to day).
func (c *StaticCeilings) GetUsage(ctx context.Context, ceiling, tenantID, period string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.rollover(ceiling, tenantID)
	if period == "month" {
		return u.month, nil
	}
	return u.day, nil
}

// rollover fetches usage for (ceiling, tenant), resetting expired windows.
// Callers hold the mutex.
func (c *StaticCeilings) rollover(ceiling, tenantID string) *ceilingUsage {
	key := ceiling + "\x1f" + tenantID
	now := c.now()
	u, ok := c.usage[key]
	if !ok {
		u = &ceilingUsage{dayStart: now, monthStart: now}
		c.usage[key] = u
	}
	if now.YearDay() != u.dayStart.YearDay() || now.Year() != u.dayStart.Year() {
		u.day = 0
		u.dayStart = now
	}
	if now.Month() != u.monthStart.Month() || now.Year() != u.monthStart.Year() {
		u.month = 0
		u.monthStart = now
	}
	return u
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
