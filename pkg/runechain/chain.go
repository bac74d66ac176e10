package runechain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/canonical"
	"github.com/mchahed99/heimdall-sub000/pkg/keys"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// Chain owns a storage adapter and orchestrates hashing, signing, linkage
// and verification. One chain per process; the holder is the only writer.
type Chain struct {
	mu      sync.Mutex
	adapter Adapter
	signer  *keys.Signer
	lastSeq uint64
	lastHash string
	now     func() time.Time
}

// Open resumes (or starts) a chain over the adapter. A nil signer leaves
// runes unsigned; this is logged once.
func Open(ctx context.Context, adapter Adapter, signer *keys.Signer) (*Chain, error) {
	c := &Chain{adapter: adapter, signer: signer, lastHash: GenesisHash, now: time.Now}
	tail, err := adapter.GetLastRune(ctx)
	if err != nil {
		return nil, fmt.Errorf("runechain: load tail: %w", err)
	}
	if tail != nil {
		c.lastSeq = tail.Sequence
		c.lastHash = tail.ContentHash
	}
	if signer == nil {
		slog.Warn("runechain: no signing key; chain continues unsigned")
	}
	return c, nil
}

// InscribeRequest carries everything that goes into one rune.
type InscribeRequest struct {
	Call            *ward.ToolCallContext
	Eval            *ward.Evaluation
	ResponseSummary string
	DurationMs      *float64
	RiskScore       *int
	RiskTier        string
	AIReasoning     string
}

// Inscribe appends one rune for an evaluated tool call. The write is
// atomic; on failure nothing advances and the error surfaces to the
// caller, because a silently-unaudited call would break the audit
// invariant.
func (c *Chain) Inscribe(ctx context.Context, req InscribeRequest) (*Rune, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Rune{
		Sequence:         c.lastSeq + 1,
		Timestamp:        utcNow(c.now),
		SessionID:        req.Call.SessionID,
		ToolName:         req.Call.ToolName,
		ArgumentsHash:    HashArguments(req.Call.Arguments),
		ArgumentsSummary: Summarize(req.Call.Arguments),
		Decision:         req.Eval.Decision,
		MatchedWards:     req.Eval.MatchedWards,
		WardChain:        req.Eval.WardChain,
		Rationale:        req.Eval.Rationale,
		ResponseSummary:  Truncate(RedactSecrets(req.ResponseSummary)),
		DurationMs:       req.DurationMs,
		PreviousHash:     c.lastHash,
		IsGenesis:        c.lastSeq == 0,
		RiskScore:        req.RiskScore,
		RiskTier:         req.RiskTier,
		AIReasoning:      req.AIReasoning,
	}

	hash, err := r.ComputeContentHash()
	if err != nil {
		return nil, fmt.Errorf("runechain: content hash: %w", err)
	}
	r.ContentHash = hash
	if c.signer != nil {
		r.Signature = c.signer.Sign([]byte(hash))
	}

	if err := c.adapter.AppendRune(ctx, r); err != nil {
		return nil, fmt.Errorf("runechain: inscribe sequence %d: %w", r.Sequence, err)
	}

	c.lastSeq = r.Sequence
	c.lastHash = r.ContentHash
	return r, nil
}

// UpdateLastResponse attaches a response summary and duration to the tail
// rune, recomputing its content hash and signature. Refused once any
// later rune exists, since nothing references the tail yet.
func (c *Chain) UpdateLastResponse(ctx context.Context, summary string, durationMs *float64) (*Rune, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSeq == 0 {
		return nil, ErrRuneNotFound
	}
	tail, err := c.adapter.GetRuneBySequence(ctx, c.lastSeq)
	if err != nil {
		return nil, fmt.Errorf("runechain: load tail: %w", err)
	}
	if tail.Sequence != c.lastSeq {
		return nil, ErrNotTail
	}

	tail.ResponseSummary = Truncate(RedactSecrets(summary))
	tail.DurationMs = durationMs
	hash, err := tail.ComputeContentHash()
	if err != nil {
		return nil, fmt.Errorf("runechain: content hash: %w", err)
	}
	tail.ContentHash = hash
	tail.Signature = ""
	if c.signer != nil {
		tail.Signature = c.signer.Sign([]byte(hash))
	}

	if err := c.adapter.UpdateTailRune(ctx, tail); err != nil {
		return nil, fmt.Errorf("runechain: update tail: %w", err)
	}
	c.lastHash = tail.ContentHash
	return tail, nil
}

// ChainStats aggregates the chain for verification output and operator
// dashboards.
type ChainStats struct {
	TotalRunes     uint64            `json:"total_runes"`
	Sessions       int               `json:"sessions"`
	Tools          int               `json:"tools"`
	Decisions      map[string]uint64 `json:"decisions"`
	FirstTimestamp string            `json:"first_timestamp,omitempty"`
	LastTimestamp  string            `json:"last_timestamp,omitempty"`
}

// VerificationResult reports a full chain walk.
type VerificationResult struct {
	Valid              bool       `json:"valid"`
	TotalRunes         uint64     `json:"total_runes"`
	VerifiedRunes      uint64     `json:"verified_runes"`
	SignaturesVerified uint64     `json:"signatures_verified"`
	SignaturesMissing  uint64     `json:"signatures_missing"`
	BrokenAtSequence   uint64     `json:"broken_at_sequence,omitempty"`
	BrokenReason       string     `json:"broken_reason,omitempty"`
	Stats              ChainStats `json:"stats"`
	VerificationHash   string     `json:"verification_hash"`
}

// Verify walks the chain in ascending sequence, checking linkage, content
// hashes and signatures. An empty chain is valid.
func (c *Chain) Verify(ctx context.Context) (*VerificationResult, error) {
	c.mu.Lock()
	last := c.lastSeq
	c.mu.Unlock()

	res := &VerificationResult{
		Valid: true,
		Stats: ChainStats{Decisions: make(map[string]uint64)},
	}
	sessions := make(map[string]bool)
	tools := make(map[string]bool)

	expectedPrev := GenesisHash
	tailHash := GenesisHash
	for seq := uint64(1); seq <= last; seq++ {
		r, err := c.adapter.GetRuneBySequence(ctx, seq)
		if errors.Is(err, ErrRuneNotFound) {
			if res.Valid {
				res.Valid = false
				res.BrokenAtSequence = seq
				res.BrokenReason = "Rune missing"
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("runechain: verify load sequence %d: %w", seq, err)
		}
		res.Stats.TotalRunes++
		sessions[r.SessionID] = true
		tools[r.ToolName] = true
		res.Stats.Decisions[string(r.Decision)]++
		if res.Stats.FirstTimestamp == "" {
			res.Stats.FirstTimestamp = r.Timestamp
		}
		res.Stats.LastTimestamp = r.Timestamp

		if !res.Valid {
			continue
		}
		if r.PreviousHash != expectedPrev {
			res.Valid = false
			res.BrokenAtSequence = seq
			res.BrokenReason = "Chain linkage broken"
			continue
		}
		computed, err := r.ComputeContentHash()
		if err != nil {
			return nil, fmt.Errorf("runechain: verify hash sequence %d: %w", seq, err)
		}
		if computed != r.ContentHash {
			res.Valid = false
			res.BrokenAtSequence = seq
			res.BrokenReason = "Content hash mismatch"
			continue
		}
		if r.Signature != "" {
			if c.signer == nil {
				res.SignaturesMissing++
			} else {
				ok, err := keys.Verify(c.signer.PublicKeyPEM(), []byte(r.ContentHash), r.Signature)
				if err != nil || !ok {
					res.Valid = false
					res.BrokenAtSequence = seq
					res.BrokenReason = "Invalid signature"
					continue
				}
				res.SignaturesVerified++
			}
		} else {
			res.SignaturesMissing++
		}
		res.VerifiedRunes++
		expectedPrev = r.ContentHash
		tailHash = r.ContentHash
	}

	res.TotalRunes = res.Stats.TotalRunes
	res.Stats.Sessions = len(sessions)
	res.Stats.Tools = len(tools)

	vh, err := canonical.Hash(map[string]any{
		"valid":       res.Valid,
		"total_runes": res.TotalRunes,
		"tail_hash":   tailHash,
		"broken_at":   res.BrokenAtSequence,
		"reason":      res.BrokenReason,
	})
	if err != nil {
		return nil, fmt.Errorf("runechain: verification hash: %w", err)
	}
	res.VerificationHash = vh
	return res, nil
}

// PublicKey returns the chain's public key in PEM form, or empty when the
// chain is unsigned.
func (c *Chain) PublicKey() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.PublicKeyPEM()
}

// Adapter exposes the owned storage port (queries, baselines).
func (c *Chain) Adapter() Adapter {
	return c.adapter
}

// LastSequence returns the tail sequence.
func (c *Chain) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// RateLimitProvider counts recent runes, giving durable rate-limit
// semantics across restarts.
func (c *Chain) RateLimitProvider() ward.RateLimitProvider {
	return func(sessionID, countingKey string, window time.Duration) int {
		n, err := c.adapter.RecentCallCount(context.Background(), sessionID, countingKey, window)
		if err != nil {
			slog.Warn("runechain: recent call count failed", "session", sessionID, "error", err)
			return 0
		}
		return n
	}
}

// Close releases the adapter.
func (c *Chain) Close() error {
	return c.adapter.Close()
}
