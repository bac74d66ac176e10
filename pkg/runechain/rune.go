// Package runechain implements the append-only, signed, hash-chained
// audit store: one rune per intercepted tool call, linked by content
// hashes, with offline receipt export and integrity verification.
package runechain

import (
	"encoding/json"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/canonical"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// GenesisHash is the previous_hash of the first rune.
const GenesisHash = "GENESIS"

// summaryLimit bounds arguments_summary and response_summary.
const summaryLimit = 200

// Rune is one immutable audit record for one tool call.
type Rune struct {
	Sequence         uint64           `json:"sequence"`
	Timestamp        string           `json:"timestamp"`
	SessionID        string           `json:"session_id"`
	ToolName         string           `json:"tool_name"`
	ArgumentsHash    string           `json:"arguments_hash"`
	ArgumentsSummary string           `json:"arguments_summary"`
	Decision         ward.Decision    `json:"decision"`
	MatchedWards     []string         `json:"matched_wards"`
	WardChain        []ward.ChainStep `json:"ward_chain"`
	Rationale        string           `json:"rationale"`
	ResponseSummary  string           `json:"response_summary,omitempty"`
	DurationMs       *float64         `json:"duration_ms,omitempty"`
	PreviousHash     string           `json:"previous_hash"`
	ContentHash      string           `json:"content_hash"`
	IsGenesis        bool             `json:"is_genesis"`
	Signature        string           `json:"signature,omitempty"`
	RiskScore        *int             `json:"risk_score,omitempty"`
	RiskTier         string           `json:"risk_tier,omitempty"`
	AIReasoning      string           `json:"ai_reasoning,omitempty"`
}

// ComputeContentHash hashes the canonical rune payload. Signature,
// content_hash and the advisory risk/AI fields are excluded so they can
// be attached without disturbing the chain.
func (r *Rune) ComputeContentHash() (string, error) {
	payload := map[string]any{
		"sequence":          r.Sequence,
		"timestamp":         r.Timestamp,
		"session_id":        r.SessionID,
		"tool_name":         r.ToolName,
		"arguments_hash":    r.ArgumentsHash,
		"arguments_summary": r.ArgumentsSummary,
		"decision":          string(r.Decision),
		"matched_wards":     r.MatchedWards,
		"ward_chain":        r.WardChain,
		"rationale":         r.Rationale,
		"response_summary":  r.ResponseSummary,
		"previous_hash":     r.PreviousHash,
		"is_genesis":        r.IsGenesis,
	}
	if r.DurationMs != nil {
		payload["duration_ms"] = *r.DurationMs
	}
	return canonical.Hash(payload)
}

// HashArguments returns the hex SHA-256 of the JSON-serialized arguments.
func HashArguments(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return canonical.HashBytes(raw)
}

// Summarize serializes arguments, redacts secrets, and truncates to the
// summary limit.
func Summarize(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return Truncate(RedactSecrets(string(raw)))
}

// Truncate shortens s to the summary limit, appending "..." when cut.
func Truncate(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit] + "..."
}

func utcNow(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339Nano)
}
