package ward

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RateLimitProvider reports how many calls were recorded for the counting
// key within the trailing window. The engine queries it for
// max_calls_per_minute clauses; a nil provider makes those clauses fail.
type RateLimitProvider func(sessionID, countingKey string, window time.Duration) int

// ConditionPlugin compiles a custom condition value at config load time.
type ConditionPlugin interface {
	Compile(value any) (ConditionClause, error)
}

// ConditionClause is a compiled custom clause. Matches must be total: any
// runtime failure is treated as "no match".
type ConditionClause interface {
	Matches(ctx *ToolCallContext) bool
}

const rateLimitWindow = 60 * time.Second

// Engine evaluates a fixed, pre-compiled ward set against tool calls. It
// is stateless apart from the optional rate-limit provider.
type Engine struct {
	wards         []compiledWard
	defaultAction Decision
	provider      RateLimitProvider
	now           func() time.Time
}

// NewEngine builds an engine from a compiled ward set.
func NewEngine(wards []compiledWard, defaultAction Decision) *Engine {
	if defaultAction == "" {
		defaultAction = DecisionPass
	}
	return &Engine{wards: wards, defaultAction: defaultAction, now: time.Now}
}

// SetRateLimitProvider installs the provider consulted by
// max_calls_per_minute clauses.
func (e *Engine) SetRateLimitProvider(p RateLimitProvider) {
	e.provider = p
}

// Evaluate runs the ward set against ctx in declaration order and returns
// the arbitrated decision. It never fails: pattern errors are rejected at
// compile time.
func (e *Engine) Evaluate(ctx *ToolCallContext) *Evaluation {
	start := e.now()
	eval := &Evaluation{
		Decision:     e.defaultAction,
		Rationale:    "No wards matched; applying default action.",
		MatchedWards: []string{},
		WardChain:    make([]ChainStep, 0, len(e.wards)),
	}

	for _, cw := range e.wards {
		if !cw.toolRe.MatchString(ctx.ToolName) {
			eval.WardChain = append(eval.WardChain, ChainStep{
				WardID:   cw.ward.ID,
				Matched:  false,
				Decision: cw.ward.Action,
				Reason:   fmt.Sprintf("tool pattern %q did not apply", cw.ward.Tool),
			})
			continue
		}

		if ok, reason := e.conditionMatches(&cw, ctx); !ok {
			eval.WardChain = append(eval.WardChain, ChainStep{
				WardID:   cw.ward.ID,
				Matched:  false,
				Decision: cw.ward.Action,
				Reason:   reason,
			})
			continue
		}

		eval.WardChain = append(eval.WardChain, ChainStep{
			WardID:   cw.ward.ID,
			Matched:  true,
			Decision: cw.ward.Action,
			Reason:   cw.ward.Message,
		})
		eval.MatchedWards = append(eval.MatchedWards, cw.ward.ID)

		// Strict > keeps the first ward's message on priority ties.
		if cw.ward.Action.Priority() > eval.Decision.Priority() {
			eval.Decision = cw.ward.Action
			eval.Rationale = cw.ward.Message
			if cw.ward.Action == DecisionReshape {
				eval.ReshapedArguments = applyReshape(ctx.Arguments, cw.ward.Reshape)
			}
		}
	}

	if len(eval.MatchedWards) > 0 && eval.Decision == DecisionPass {
		eval.Rationale = fmt.Sprintf("%d ward(s) matched with PASS decision.", len(eval.MatchedWards))
	}

	eval.EvaluationDuration = float64(e.now().Sub(start)) / float64(time.Millisecond)
	return eval
}

// conditionMatches evaluates the when clauses with AND semantics.
func (e *Engine) conditionMatches(cw *compiledWard, ctx *ToolCallContext) (bool, string) {
	cond := cw.ward.When
	if cond == nil {
		return true, ""
	}

	if cond.Always != nil && !*cond.Always {
		return false, "always is false"
	}

	// Fields named by argument_matches must be present; a missing field
	// fails the clause.
	if len(cw.argRes) > 0 {
		fields := make([]string, 0, len(cw.argRes))
		for f := range cw.argRes {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, field := range fields {
			val, present := ctx.Arguments[field]
			if !present {
				return false, fmt.Sprintf("argument %q is absent", field)
			}
			if !cw.argRes[field].MatchString(stringify(val)) {
				return false, fmt.Sprintf("argument %q did not match", field)
			}
		}
	}

	if cw.containsRe != nil {
		raw, err := json.Marshal(ctx.Arguments)
		if err != nil || !cw.containsRe.Match(raw) {
			return false, "arguments did not contain pattern"
		}
	}

	if cond.MaxCallsPerMinute != nil {
		if e.provider == nil {
			return false, "no rate-limit provider registered"
		}
		countingKey := ctx.ToolName
		if cw.ward.Tool == "*" {
			countingKey = "*"
		}
		count := e.provider(ctx.SessionID, countingKey, rateLimitWindow)
		if count < *cond.MaxCallsPerMinute {
			return false, fmt.Sprintf("%d recent call(s), below threshold %d", count, *cond.MaxCallsPerMinute)
		}
	}

	if len(cw.deadKeys) > 0 {
		return false, fmt.Sprintf("unknown condition key %q", cw.deadKeys[0])
	}

	for _, clause := range cw.clauses {
		if !clause.Matches(ctx) {
			return false, "plugin condition not met"
		}
	}

	return true, ""
}

// applyReshape shallow-merges overrides onto args; the __DELETE__ sentinel
// removes a key.
func applyReshape(args, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(overrides))
	for k, v := range args {
		out[k] = v
	}
	for k, v := range overrides {
		if s, ok := v.(string); ok && s == DeleteSentinel {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
