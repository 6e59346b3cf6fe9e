package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// MatchInput is what a policy condition is evaluated against.
type MatchInput struct {
	Action        string
	ActorType     string
	TenantID      string
	ParamsSummary map[string]interface{}
	Now           time.Time
}

// CompiledPolicy pairs a policy row with its prepared CEL program. Programs
// are compiled once per policy-set load.
type CompiledPolicy struct {
	*Policy
	program cel.Program
}

var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("params_summary", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("hub: cel environment: %v", err))
	}
	return env
}()

// CompilePolicy prepares a policy for evaluation. A malformed CEL expression
// is a load-time error, not an evaluation-time surprise.
func CompilePolicy(p *Policy) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{Policy: p}
	if p.Cond.CEL == "" {
		return cp, nil
	}

	ast, issues := celEnv.Compile(p.Cond.CEL)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy %s: cel: %w", p.ID, issues.Err())
	}
	program, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy %s: cel: %w", p.ID, err)
	}
	cp.program = program
	return cp, nil
}

// Matches reports whether every present condition clause is satisfied.
func (p *CompiledPolicy) Matches(in MatchInput) bool {
	c := p.Cond

	if c.Action != "" && !actionGlobMatch(c.Action, in.Action) {
		return false
	}
	if c.TenantID != "" && c.TenantID != in.TenantID {
		return false
	}
	if c.ActorType != "" && c.ActorType != in.ActorType {
		return false
	}
	if c.Time != nil && !timeWindowMatch(c.Time, in.Now) {
		return false
	}
	if c.Amount != nil && !amountMatch(c.Amount, in.ParamsSummary) {
		return false
	}
	if p.program != nil && !celMatch(p.program, in) {
		return false
	}
	return true
}

// actionGlobMatch matches dotted action names segment by segment; "*" matches
// exactly one segment.
func actionGlobMatch(pattern, action string) bool {
	ps := strings.Split(pattern, ".")
	as := strings.Split(action, ".")
	if len(ps) != len(as) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != as[i] {
			return false
		}
	}
	return true
}

func timeWindowMatch(w *TimeWindow, now time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(w.Days) > 0 {
		day := strings.ToLower(local.Weekday().String())
		found := false
		for _, d := range w.Days {
			dl := strings.ToLower(d)
			if dl == day || (len(dl) >= 3 && strings.HasPrefix(day, dl[:3])) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if w.StartHour != 0 || w.EndHour != 0 {
		h := local.Hour()
		if w.StartHour <= w.EndHour {
			if h < w.StartHour || h >= w.EndHour {
				return false
			}
		} else {
			// Overnight window, e.g. 22-6.
			if h < w.StartHour && h >= w.EndHour {
				return false
			}
		}
	}
	return true
}

// amountMatch fires only when the field is present and exceeds the ceiling.
// A missing field means the condition does not match.
func amountMatch(a *AmountCeiling, summary map[string]interface{}) bool {
	if summary == nil {
		return false
	}
	v, ok := summary[a.Field]
	if !ok {
		return false
	}
	f, ok := toFloat(v)
	if !ok {
		return false
	}
	return f > a.Max
}

// celMatch evaluates the prepared program; anything but a clean boolean true
// means no match.
func celMatch(program cel.Program, in MatchInput) bool {
	summary := in.ParamsSummary
	if summary == nil {
		summary = map[string]interface{}{}
	}
	out, _, err := program.Eval(map[string]interface{}{
		"action":         in.Action,
		"actor_type":     in.ActorType,
		"tenant_id":      in.TenantID,
		"params_summary": summary,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
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

// readActionVerbs classifies read actions for the organisation default.
var readActionVerbs = map[string]struct{}{
	"list": {}, "get": {}, "search": {}, "query": {}, "export": {},
	"actions": {}, "version": {}, "usage": {},
}

// IsReadAction reports whether an action's final verb segment is a read.
// The kernel knows the registered kind; the hub only sees the name.
func IsReadAction(action string) bool {
	i := strings.LastIndexByte(action, '.')
	verb := action[i+1:]
	_, ok := readActionVerbs[verb]
	return ok
}

// DefaultDecision applies the organisation default when no policy matches.
func DefaultDecision(org *Organisation, action string) contracts.DecisionValue {
	if IsReadAction(action) {
		if org.DefaultAllowReads {
			return contracts.DecisionAllow
		}
		return contracts.DecisionDeny
	}
	if org.DefaultAllowWrites {
		return contracts.DecisionAllow
	}
	return contracts.DecisionDeny
}
