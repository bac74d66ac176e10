// Package ward implements the policy engine of the gateway: declarative
// rules (wards) evaluated against tool calls, with priority arbitration,
// sliding-window rate limiting and argument reshaping.
package ward

import "fmt"

// Decision is the terminal outcome of evaluating a tool call.
type Decision string

const (
	DecisionPass    Decision = "PASS"
	DecisionReshape Decision = "RESHAPE"
	DecisionHalt    Decision = "HALT"
)

// Priority orders decisions by strictness: PASS < RESHAPE < HALT.
func (d Decision) Priority() int {
	switch d {
	case DecisionPass:
		return 0
	case DecisionReshape:
		return 1
	case DecisionHalt:
		return 2
	}
	return -1
}

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionPass, DecisionReshape, DecisionHalt:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Severity is informational metadata on a ward; it does not affect
// evaluation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}
