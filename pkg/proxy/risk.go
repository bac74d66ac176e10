package proxy

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// Analyzer is the optional AI-assist hook. Implementations live outside
// the gateway; whatever reasoning they return is attached to the rune as
// advisory metadata.
type Analyzer interface {
	Analyze(ctx context.Context, call *ward.ToolCallContext, eval *ward.Evaluation) (string, error)
}

// Risk tiers derived from the heuristic score.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

type riskSignal struct {
	re     *regexp.Regexp
	weight int
}

// Cheap textual signals over the serialized arguments. The score is
// advisory only and never changes the decision.
var riskSignals = []riskSignal{
	{regexp.MustCompile(`(?i)\b(sk-[A-Za-z0-9_-]{8,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{20,})`), 40},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), 40},
	{regexp.MustCompile(`(?i)\b(rm\s+-rf|mkfs|shutdown|reboot)\b`), 35},
	{regexp.MustCompile(`(?i)\b(drop\s+table|truncate\s+table|delete\s+from)\b`), 35},
	{regexp.MustCompile(`(?i)\bsudo\b`), 25},
	{regexp.MustCompile(`(?i)(/etc/(passwd|shadow)|\.ssh/|\.env\b|id_rsa)`), 25},
	{regexp.MustCompile(`(?i)https?://`), 15},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b`), 10},
}

// ScoreRisk computes the heuristic risk score and tier for a call. The
// function is pure: same call, same score.
func ScoreRisk(call *ward.ToolCallContext) (int, string) {
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return 0, RiskLow
	}
	text := call.ToolName + " " + string(raw)

	score := 0
	for _, sig := range riskSignals {
		if sig.re.MatchString(text) {
			score += sig.weight
		}
	}
	if score > 100 {
		score = 100
	}
	return score, riskTier(score)
}

func riskTier(score int) string {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}
