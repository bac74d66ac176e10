package ward

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeleteSentinel removes a key from the arguments when used as a reshape
// value.
const DeleteSentinel = "__DELETE__"

// Condition is an AND-conjunction of clauses; an empty condition always
// matches. Keys other than the built-ins are dispatched to registered
// condition plugins.
type Condition struct {
	ArgumentMatches         map[string]string
	ArgumentContainsPattern string
	Always                  *bool
	MaxCallsPerMinute       *int
	Extra                   map[string]any
}

// UnmarshalYAML captures the built-in clause keys and routes everything
// else into Extra for plugin dispatch.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key, val := range raw {
		switch key {
		case "argument_matches":
			m, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("argument_matches must be a mapping")
			}
			c.ArgumentMatches = make(map[string]string, len(m))
			for f, p := range m {
				c.ArgumentMatches[f] = fmt.Sprintf("%v", p)
			}
		case "argument_contains_pattern":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("argument_contains_pattern must be a string")
			}
			c.ArgumentContainsPattern = s
		case "always":
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("always must be a boolean")
			}
			c.Always = &b
		case "max_calls_per_minute":
			n, ok := val.(int)
			if !ok {
				return fmt.Errorf("max_calls_per_minute must be an integer")
			}
			c.MaxCallsPerMinute = &n
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[key] = val
		}
	}
	return nil
}

// Ward is a single declarative rule: if a tool call matches this shape,
// apply this action.
type Ward struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description,omitempty"`
	Tool        string         `yaml:"tool"`
	When        *Condition     `yaml:"when,omitempty"`
	Action      Decision       `yaml:"action"`
	Message     string         `yaml:"message"`
	Severity    Severity       `yaml:"severity,omitempty"`
	Reshape     map[string]any `yaml:"reshape,omitempty"`
}

// ToolCallContext describes one intercepted tool call.
type ToolCallContext struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
}

// ChainStep records how a single ward applied during evaluation.
type ChainStep struct {
	WardID   string   `json:"ward_id"`
	Matched  bool     `json:"matched"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Evaluation is the engine's verdict for one tool call.
type Evaluation struct {
	Decision           Decision       `json:"decision"`
	MatchedWards       []string       `json:"matched_wards"`
	WardChain          []ChainStep    `json:"ward_chain"`
	Rationale          string         `json:"rationale"`
	ReshapedArguments  map[string]any `json:"reshaped_arguments,omitempty"`
	EvaluationDuration float64        `json:"evaluation_duration_ms"`
}

// compiledWard holds a ward with its patterns pre-compiled. Regex failures
// are configuration errors surfaced at load time; evaluation never fails.
type compiledWard struct {
	ward       Ward
	toolRe     *regexp.Regexp
	argRes     map[string]*regexp.Regexp
	containsRe *regexp.Regexp
	clauses    []ConditionClause // compiled plugin clauses
	deadKeys   []string          // unknown condition keys with no plugin
}

// CompileGlob converts a tool glob into an anchored, case-insensitive
// regex: * matches any run, ? matches one character, everything else is
// literal.
func CompileGlob(glob string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(glob)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.Compile(`(?i)^` + quoted + `$`)
}

// CompileWards pre-compiles every pattern in the ward set. Plugins resolve
// unknown condition keys; an unknown key with no plugin compiles into a
// clause that never matches (fail-closed).
func CompileWards(wards []Ward, plugins map[string]ConditionPlugin) ([]compiledWard, error) {
	seen := make(map[string]bool, len(wards))
	out := make([]compiledWard, 0, len(wards))
	for _, w := range wards {
		if w.ID == "" {
			return nil, fmt.Errorf("ward with tool %q has no id", w.Tool)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("duplicate ward id %q", w.ID)
		}
		seen[w.ID] = true

		if _, err := ParseDecision(string(w.Action)); err != nil {
			return nil, fmt.Errorf("ward %q: %w", w.ID, err)
		}
		if w.Severity != "" {
			if _, err := ParseSeverity(string(w.Severity)); err != nil {
				return nil, fmt.Errorf("ward %q: %w", w.ID, err)
			}
		}

		cw := compiledWard{ward: w}
		toolRe, err := CompileGlob(w.Tool)
		if err != nil {
			return nil, fmt.Errorf("ward %q: invalid tool glob %q: %w", w.ID, w.Tool, err)
		}
		cw.toolRe = toolRe

		if w.When != nil {
			if len(w.When.ArgumentMatches) > 0 {
				cw.argRes = make(map[string]*regexp.Regexp, len(w.When.ArgumentMatches))
				for field, pattern := range w.When.ArgumentMatches {
					re, err := regexp.Compile(`(?i)` + pattern)
					if err != nil {
						return nil, fmt.Errorf("ward %q: argument_matches.%s: invalid regex: %w", w.ID, field, err)
					}
					cw.argRes[field] = re
				}
			}
			if w.When.ArgumentContainsPattern != "" {
				re, err := regexp.Compile(`(?i)` + w.When.ArgumentContainsPattern)
				if err != nil {
					return nil, fmt.Errorf("ward %q: argument_contains_pattern: invalid regex: %w", w.ID, err)
				}
				cw.containsRe = re
			}
			extraKeys := make([]string, 0, len(w.When.Extra))
			for key := range w.When.Extra {
				extraKeys = append(extraKeys, key)
			}
			sort.Strings(extraKeys)
			for _, key := range extraKeys {
				plugin, ok := plugins[key]
				if !ok {
					cw.deadKeys = append(cw.deadKeys, key)
					continue
				}
				clause, err := plugin.Compile(w.When.Extra[key])
				if err != nil {
					return nil, fmt.Errorf("ward %q: condition %q: %w", w.ID, key, err)
				}
				cw.clauses = append(cw.clauses, clause)
			}
		}
		out = append(out, cw)
	}
	return out, nil
}
