// Package proxy is the interception gateway: every tool call crossing it
// is evaluated against the ward set, inscribed on the runechain, and
// fanned out to observers before the agent sees a response.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mchahed99/heimdall-sub000/pkg/bus"
	"github.com/mchahed99/heimdall-sub000/pkg/drift"
	"github.com/mchahed99/heimdall-sub000/pkg/mcp"
	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/sink"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// ErrHalted wraps the rationale of a policy HALT returned to the agent.
var ErrHalted = errors.New("call halted by policy")

// ErrDriftHalted fails a list-tools request when the catalogue changed
// and the configured drift action is HALT.
var ErrDriftHalted = errors.New("tool catalogue drift detected")

// CallRecorder notes a call before evaluation so the current call counts
// against its own rate limit.
type CallRecorder interface {
	Record(sessionID, tool string)
}

// DriftAlert is broadcast on the live bus when the catalogue diverges
// from the active baseline.
type DriftAlert struct {
	ServerID     string         `json:"server_id"`
	BaselineHash string         `json:"baseline_hash"`
	CurrentHash  string         `json:"current_hash"`
	Changes      []drift.Change `json:"changes"`
	Action       drift.Action   `json:"action"`
	Message      string         `json:"message,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

// Options wires a proxy. Provider, Engine and Chain are required; the
// rest degrade to no-ops when absent.
type Options struct {
	Provider mcp.ToolProvider
	Engine   *ward.Engine
	Chain    *runechain.Chain
	Bus      *bus.Bus
	Sinks    *sink.Fanout
	Recorder CallRecorder

	ServerID  string
	SessionID string
	AgentID   string

	DriftAction  drift.Action
	DriftMessage string

	// DryRun downgrades HALT to forward-with-warning; the rune still
	// records the HALT decision.
	DryRun bool

	Analyzer    Analyzer
	AIEnabled   bool
	AIThreshold int
}

// Proxy owns one downstream provider session and serves the agent facing
// side with policy enforcement.
type Proxy struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options) *Proxy {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.ServerID == "" {
		opts.ServerID = "default"
	}
	if opts.DriftAction == "" {
		opts.DriftAction = drift.ActionWarn
	}
	return &Proxy{
		opts:   opts,
		logger: slog.Default().With("component", "proxy", "session", opts.SessionID),
		now:    time.Now,
	}
}

// SessionID returns the session identity stamped on every rune.
func (p *Proxy) SessionID() string { return p.opts.SessionID }

// ListTools implements the agent-facing catalogue request.
func (p *Proxy) ListTools(ctx context.Context) ([]drift.Tool, error) {
	return p.HandleListTools(ctx)
}

// CallTool implements the agent-facing call request.
func (p *Proxy) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return p.HandleCallTool(ctx, &ward.ToolCallContext{
		ToolName:  name,
		Arguments: args,
		SessionID: p.opts.SessionID,
		AgentID:   p.opts.AgentID,
		ServerID:  p.opts.ServerID,
	})
}

// HandleListTools forwards the catalogue request downstream and runs
// drift detection against the stored baseline.
func (p *Proxy) HandleListTools(ctx context.Context) ([]drift.Tool, error) {
	tools, err := p.opts.Provider.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: downstream list tools: %w", err)
	}
	if err := p.checkDrift(ctx, tools); err != nil {
		return nil, err
	}
	return tools, nil
}

func (p *Proxy) checkDrift(ctx context.Context, tools []drift.Tool) error {
	currentHash, err := drift.CatalogueHash(tools)
	if err != nil {
		p.logger.Warn("catalogue hash failed, skipping drift check", "error", err)
		return nil
	}
	adapter := p.opts.Chain.Adapter()

	baseline, err := adapter.GetBaseline(ctx, p.opts.ServerID, false)
	if err != nil {
		p.logger.Error("baseline load failed, skipping drift check",
			"server_id", p.opts.ServerID, "error", err)
		return nil
	}

	snapshot, err := json.Marshal(tools)
	if err != nil {
		p.logger.Warn("catalogue snapshot failed, skipping drift check", "error", err)
		return nil
	}
	now := p.now().UTC()

	// First contact: the catalogue becomes the trusted baseline.
	if baseline == nil {
		b := &runechain.ToolBaseline{
			ServerID:      p.opts.ServerID,
			ToolsHash:     currentHash,
			ToolsSnapshot: snapshot,
			FirstSeen:     now,
			LastVerified:  now,
		}
		if err := adapter.SetBaseline(ctx, b, false); err != nil {
			p.logger.Error("baseline store failed", "server_id", p.opts.ServerID, "error", err)
			return nil
		}
		p.logger.Info("tool baseline established",
			"server_id", p.opts.ServerID, "tools", len(tools), "hash", currentHash)
		return nil
	}

	if baseline.ToolsHash == currentHash {
		baseline.LastVerified = now
		if err := adapter.SetBaseline(ctx, baseline, false); err != nil {
			p.logger.Warn("baseline verification bump failed", "error", err)
		}
		return nil
	}

	// Catalogue changed. Diff, alert, and park the new catalogue as a
	// pending baseline; the active baseline only moves on approval.
	var baselineTools []drift.Tool
	if err := json.Unmarshal(baseline.ToolsSnapshot, &baselineTools); err != nil {
		p.logger.Error("baseline snapshot corrupt", "server_id", p.opts.ServerID, "error", err)
		baselineTools = nil
	}
	changes := drift.Diff(baselineTools, tools)

	alert := DriftAlert{
		ServerID:     p.opts.ServerID,
		BaselineHash: baseline.ToolsHash,
		CurrentHash:  currentHash,
		Changes:      changes,
		Action:       p.opts.DriftAction,
		Message:      p.opts.DriftMessage,
		Timestamp:    now.Format(time.RFC3339Nano),
	}
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(bus.Event{Type: bus.EventDrift, Data: alert})
	}

	pending := &runechain.ToolBaseline{
		ServerID:      p.opts.ServerID,
		ToolsHash:     currentHash,
		ToolsSnapshot: snapshot,
		FirstSeen:     now,
		LastVerified:  now,
	}
	if err := adapter.SetBaseline(ctx, pending, true); err != nil {
		p.logger.Error("pending baseline store failed", "server_id", p.opts.ServerID, "error", err)
	}

	for _, ch := range changes {
		p.logger.Warn("catalogue drift",
			"server_id", p.opts.ServerID,
			"change", string(ch.Type),
			"tool", ch.ToolName,
			"severity", string(ch.Severity),
			"details", ch.Details,
		)
	}

	switch p.opts.DriftAction {
	case drift.ActionHalt:
		return fmt.Errorf("%w: %d change(s) against baseline %s", ErrDriftHalted, len(changes), baseline.ToolsHash)
	case drift.ActionLog:
		// Already logged above.
	default:
		p.logger.Warn("serving changed catalogue",
			"server_id", p.opts.ServerID, "changes", len(changes))
	}
	return nil
}

// ApproveDrift promotes the pending baseline to active. Returns false
// when nothing is pending.
func (p *Proxy) ApproveDrift(ctx context.Context, serverID string) (bool, error) {
	return p.opts.Chain.Adapter().ApprovePending(ctx, serverID)
}

// HandleCallTool runs the full interception path for one tool call.
func (p *Proxy) HandleCallTool(ctx context.Context, call *ward.ToolCallContext) (any, error) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.Record(call.SessionID, call.ToolName)
	}

	eval := p.opts.Engine.Evaluate(call)

	riskScore, riskTier := ScoreRisk(call)
	aiReasoning := p.analyze(ctx, call, eval, riskScore)

	if eval.Decision == ward.DecisionHalt && !p.opts.DryRun {
		r, err := p.inscribe(ctx, runechain.InscribeRequest{
			Call:        call,
			Eval:        eval,
			RiskScore:   &riskScore,
			RiskTier:    riskTier,
			AIReasoning: aiReasoning,
		})
		if err != nil {
			return nil, err
		}
		p.broadcast(ctx, r)
		return nil, fmt.Errorf("%w: %s", ErrHalted, eval.Rationale)
	}

	args := call.Arguments
	switch {
	case eval.Decision == ward.DecisionReshape && eval.ReshapedArguments != nil:
		args = eval.ReshapedArguments
	case eval.Decision == ward.DecisionHalt:
		p.logger.Warn("dry run: forwarding call that would have halted",
			"tool", call.ToolName, "rationale", eval.Rationale)
	}

	start := p.now()
	result, callErr := p.opts.Provider.CallTool(ctx, call.ToolName, args)
	duration := float64(p.now().Sub(start)) / float64(time.Millisecond)

	summary := summarizeResponse(result, callErr)

	r, err := p.inscribe(ctx, runechain.InscribeRequest{
		Call:            call,
		Eval:            eval,
		ResponseSummary: summary,
		DurationMs:      &duration,
		RiskScore:       &riskScore,
		RiskTier:        riskTier,
		AIReasoning:     aiReasoning,
	})
	if err != nil {
		return nil, err
	}
	p.broadcast(ctx, r)

	if callErr != nil {
		return nil, fmt.Errorf("proxy: downstream call %s: %w", call.ToolName, callErr)
	}
	return result, nil
}

// inscribe appends the rune. A failed write surfaces to the agent:
// serving an unaudited call would break the audit invariant.
func (p *Proxy) inscribe(ctx context.Context, req runechain.InscribeRequest) (*runechain.Rune, error) {
	r, err := p.opts.Chain.Inscribe(ctx, req)
	if err != nil {
		p.logger.Error("inscription failed", "tool", req.Call.ToolName, "error", err)
		return nil, fmt.Errorf("proxy: audit write failed: %w", err)
	}
	return r, nil
}

func (p *Proxy) broadcast(ctx context.Context, r *runechain.Rune) {
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(bus.Event{Type: bus.EventRune, Data: r})
	}
	if p.opts.Sinks != nil {
		p.opts.Sinks.Dispatch(ctx, r)
	}
}

func (p *Proxy) analyze(ctx context.Context, call *ward.ToolCallContext, eval *ward.Evaluation, score int) string {
	if p.opts.Analyzer == nil || !p.opts.AIEnabled || score < p.opts.AIThreshold {
		return ""
	}
	reasoning, err := p.opts.Analyzer.Analyze(ctx, call, eval)
	if err != nil {
		p.logger.Warn("risk analyzer failed", "tool", call.ToolName, "error", err)
		return ""
	}
	return reasoning
}

func summarizeResponse(result any, callErr error) string {
	if callErr != nil {
		raw, err := json.Marshal(map[string]string{"error": callErr.Error()})
		if err != nil {
			return `{"error":"downstream call failed"}`
		}
		return string(raw)
	}
	if result == nil {
		return ""
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

// Close shuts the gateway down in dependency order: observers first,
// then the chain, then the downstream session.
func (p *Proxy) Close() error {
	var first error
	if p.opts.Sinks != nil {
		if err := p.opts.Sinks.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.opts.Bus != nil {
		p.opts.Bus.Close()
	}
	if err := p.opts.Chain.Close(); err != nil && first == nil {
		first = err
	}
	if err := p.opts.Provider.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
