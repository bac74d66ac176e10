package runechain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

var (
	// ErrNotTail is returned when a response update targets anything but
	// the last rune.
	ErrNotTail = errors.New("response update allowed on tail rune only")
	// ErrRuneNotFound is returned for lookups of unknown sequences.
	ErrRuneNotFound = errors.New("rune not found")
)

// Filter narrows rune queries. Results are returned newest-first.
type Filter struct {
	SessionID string
	ToolName  string
	Decision  ward.Decision
	Limit     int
	Offset    int
}

// ToolBaseline is the stored catalogue fingerprint for one downstream
// server.
type ToolBaseline struct {
	ServerID      string          `json:"server_id"`
	ToolsHash     string          `json:"tools_hash"`
	ToolsSnapshot json.RawMessage `json:"tools_snapshot"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastVerified  time.Time       `json:"last_verified"`
}

// Adapter is the storage port the chain drives. Implementations must
// serialize writes; reads may run concurrently.
type Adapter interface {
	AppendRune(ctx context.Context, r *Rune) error
	// UpdateTailRune rewrites the row for r.Sequence. The caller has
	// already established that r is the tail.
	UpdateTailRune(ctx context.Context, r *Rune) error
	GetRunes(ctx context.Context, f Filter) ([]*Rune, error)
	GetRuneBySequence(ctx context.Context, seq uint64) (*Rune, error)
	GetLastRune(ctx context.Context) (*Rune, error)
	RuneCount(ctx context.Context) (uint64, error)
	RecentCallCount(ctx context.Context, sessionID, tool string, window time.Duration) (int, error)

	GetBaseline(ctx context.Context, serverID string, pending bool) (*ToolBaseline, error)
	SetBaseline(ctx context.Context, b *ToolBaseline, pending bool) error
	ClearBaseline(ctx context.Context, serverID string, pending bool) error
	ClearAllBaselines(ctx context.Context, pending bool) error
	GetAllBaselines(ctx context.Context, pending bool) ([]*ToolBaseline, error)
	// ApprovePending promotes the pending baseline for serverID to
	// active, preserving the active baseline's first_seen. Returns false
	// when no pending baseline exists.
	ApprovePending(ctx context.Context, serverID string) (bool, error)

	Close() error
}
