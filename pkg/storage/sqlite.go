package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// SQLiteAdapter is the durable adapter: one store file with WAL siblings,
// tables for runes and both baseline sets.
type SQLiteAdapter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path and runs migrations.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// Single writer; WAL keeps readers unblocked during inscription.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	a := &SQLiteAdapter{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runes (
			sequence INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			ts_ns INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments_hash TEXT NOT NULL,
			arguments_summary TEXT NOT NULL,
			decision TEXT NOT NULL,
			matched_wards JSON NOT NULL,
			ward_chain JSON NOT NULL,
			rationale TEXT NOT NULL,
			response_summary TEXT,
			duration_ms REAL,
			previous_hash TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			is_genesis INTEGER NOT NULL DEFAULT 0,
			signature TEXT,
			risk_score INTEGER,
			risk_tier TEXT,
			ai_reasoning TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runes_session ON runes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runes_tool ON runes(tool_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runes_decision ON runes(decision)`,
		`CREATE INDEX IF NOT EXISTS idx_runes_session_tool_ts ON runes(session_id, tool_name, ts_ns)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			server_id TEXT PRIMARY KEY,
			tools_hash TEXT NOT NULL,
			tools_snapshot JSON NOT NULL,
			first_seen TEXT NOT NULL,
			last_verified TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_baselines (
			server_id TEXT PRIMARY KEY,
			tools_hash TEXT NOT NULL,
			tools_snapshot JSON NOT NULL,
			first_seen TEXT NOT NULL,
			last_verified TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

const runeColumns = `sequence, timestamp, session_id, tool_name, arguments_hash, arguments_summary,
	decision, matched_wards, ward_chain, rationale, response_summary, duration_ms,
	previous_hash, content_hash, is_genesis, signature, risk_score, risk_tier, ai_reasoning`

func (a *SQLiteAdapter) AppendRune(ctx context.Context, r *runechain.Rune) error {
	matched, chain, tsNS, err := encodeRune(r)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `INSERT INTO runes (`+runeColumns+`, ts_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Sequence, r.Timestamp, r.SessionID, r.ToolName, r.ArgumentsHash, r.ArgumentsSummary,
		string(r.Decision), matched, chain, r.Rationale, nullString(r.ResponseSummary), nullFloat(r.DurationMs),
		r.PreviousHash, r.ContentHash, boolInt(r.IsGenesis), nullString(r.Signature),
		nullInt(r.RiskScore), nullString(r.RiskTier), nullString(r.AIReasoning), tsNS,
	)
	if err != nil {
		return fmt.Errorf("storage: insert rune %d: %w", r.Sequence, err)
	}
	return nil
}

func (a *SQLiteAdapter) UpdateTailRune(ctx context.Context, r *runechain.Rune) error {
	var max sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM runes`).Scan(&max); err != nil {
		return fmt.Errorf("storage: tail lookup: %w", err)
	}
	if !max.Valid || uint64(max.Int64) != r.Sequence {
		return runechain.ErrNotTail
	}
	_, err := a.db.ExecContext(ctx, `UPDATE runes SET
		response_summary = ?, duration_ms = ?, content_hash = ?, signature = ?
		WHERE sequence = ?`,
		nullString(r.ResponseSummary), nullFloat(r.DurationMs), r.ContentHash, nullString(r.Signature), r.Sequence,
	)
	if err != nil {
		return fmt.Errorf("storage: update rune %d: %w", r.Sequence, err)
	}
	return nil
}

func (a *SQLiteAdapter) GetRunes(ctx context.Context, f runechain.Filter) ([]*runechain.Rune, error) {
	query := `SELECT ` + runeColumns + ` FROM runes WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, f.ToolName)
	}
	if f.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, string(f.Decision))
	}
	query += ` ORDER BY sequence DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	} else {
		query += ` LIMIT -1`
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query runes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*runechain.Rune
	for rows.Next() {
		r, err := scanRune(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query runes: %w", err)
	}
	return out, nil
}

func (a *SQLiteAdapter) GetRuneBySequence(ctx context.Context, seq uint64) (*runechain.Rune, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+runeColumns+` FROM runes WHERE sequence = ?`, seq)
	if err != nil {
		return nil, fmt.Errorf("storage: query rune %d: %w", seq, err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, runechain.ErrRuneNotFound
	}
	return scanRune(rows)
}

func (a *SQLiteAdapter) GetLastRune(ctx context.Context) (*runechain.Rune, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+runeColumns+` FROM runes ORDER BY sequence DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("storage: query tail: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, nil
	}
	return scanRune(rows)
}

func (a *SQLiteAdapter) RuneCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count runes: %w", err)
	}
	return n, nil
}

func (a *SQLiteAdapter) RecentCallCount(ctx context.Context, sessionID, tool string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	query := `SELECT COUNT(*) FROM runes WHERE session_id = ? AND ts_ns > ?`
	args := []any{sessionID, cutoff}
	if tool != "*" {
		query += ` AND tool_name = ?`
		args = append(args, tool)
	}
	var n int
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: recent call count: %w", err)
	}
	return n, nil
}

func baselineTable(pending bool) string {
	if pending {
		return "pending_baselines"
	}
	return "baselines"
}

func (a *SQLiteAdapter) GetBaseline(ctx context.Context, serverID string, pending bool) (*runechain.ToolBaseline, error) {
	row := a.db.QueryRowContext(ctx, `SELECT server_id, tools_hash, tools_snapshot, first_seen, last_verified
		FROM `+baselineTable(pending)+` WHERE server_id = ?`, serverID)
	b, err := scanBaseline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (a *SQLiteAdapter) SetBaseline(ctx context.Context, b *runechain.ToolBaseline, pending bool) error {
	table := baselineTable(pending)
	// Upserts preserve first_seen.
	_, err := a.db.ExecContext(ctx, `INSERT INTO `+table+`
		(server_id, tools_hash, tools_snapshot, first_seen, last_verified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			tools_hash = excluded.tools_hash,
			tools_snapshot = excluded.tools_snapshot,
			last_verified = excluded.last_verified`,
		b.ServerID, b.ToolsHash, string(b.ToolsSnapshot),
		b.FirstSeen.UTC().Format(time.RFC3339Nano),
		b.LastVerified.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert %s %s: %w", table, b.ServerID, err)
	}
	return nil
}

func (a *SQLiteAdapter) ClearBaseline(ctx context.Context, serverID string, pending bool) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM `+baselineTable(pending)+` WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("storage: clear baseline %s: %w", serverID, err)
	}
	return nil
}

func (a *SQLiteAdapter) ClearAllBaselines(ctx context.Context, pending bool) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM `+baselineTable(pending))
	if err != nil {
		return fmt.Errorf("storage: clear baselines: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) GetAllBaselines(ctx context.Context, pending bool) ([]*runechain.ToolBaseline, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT server_id, tools_hash, tools_snapshot, first_seen, last_verified
		FROM `+baselineTable(pending)+` ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list baselines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*runechain.ToolBaseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (a *SQLiteAdapter) ApprovePending(ctx context.Context, serverID string) (bool, error) {
	pending, err := a.GetBaseline(ctx, serverID, true)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}
	if err := a.SetBaseline(ctx, pending, false); err != nil {
		return false, err
	}
	if err := a.ClearBaseline(ctx, serverID, true); err != nil {
		return false, err
	}
	return true, nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeRune(r *runechain.Rune) (matched, chain string, tsNS int64, err error) {
	mb, err := json.Marshal(r.MatchedWards)
	if err != nil {
		return "", "", 0, fmt.Errorf("storage: encode matched wards: %w", err)
	}
	cb, err := json.Marshal(r.WardChain)
	if err != nil {
		return "", "", 0, fmt.Errorf("storage: encode ward chain: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return "", "", 0, fmt.Errorf("storage: bad rune timestamp %q: %w", r.Timestamp, err)
	}
	return string(mb), string(cb), ts.UnixNano(), nil
}

func scanRune(s scanner) (*runechain.Rune, error) {
	var (
		r          runechain.Rune
		decision   string
		matched    string
		chain      string
		response   sql.NullString
		duration   sql.NullFloat64
		isGenesis  int
		signature  sql.NullString
		riskScore  sql.NullInt64
		riskTier   sql.NullString
		aiReason   sql.NullString
	)
	err := s.Scan(&r.Sequence, &r.Timestamp, &r.SessionID, &r.ToolName, &r.ArgumentsHash, &r.ArgumentsSummary,
		&decision, &matched, &chain, &r.Rationale, &response, &duration,
		&r.PreviousHash, &r.ContentHash, &isGenesis, &signature, &riskScore, &riskTier, &aiReason)
	if err != nil {
		return nil, fmt.Errorf("storage: scan rune: %w", err)
	}
	r.Decision = ward.Decision(decision)
	if err := json.Unmarshal([]byte(matched), &r.MatchedWards); err != nil {
		return nil, fmt.Errorf("storage: decode matched wards: %w", err)
	}
	if err := json.Unmarshal([]byte(chain), &r.WardChain); err != nil {
		return nil, fmt.Errorf("storage: decode ward chain: %w", err)
	}
	r.ResponseSummary = response.String
	if duration.Valid {
		d := duration.Float64
		r.DurationMs = &d
	}
	r.IsGenesis = isGenesis != 0
	r.Signature = signature.String
	if riskScore.Valid {
		n := int(riskScore.Int64)
		r.RiskScore = &n
	}
	r.RiskTier = riskTier.String
	r.AIReasoning = aiReason.String
	return &r, nil
}

func scanBaseline(s scanner) (*runechain.ToolBaseline, error) {
	var (
		b         runechain.ToolBaseline
		snapshot  string
		firstSeen string
		verified  string
	)
	if err := s.Scan(&b.ServerID, &b.ToolsHash, &snapshot, &firstSeen, &verified); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("storage: scan baseline: %w", err)
	}
	b.ToolsSnapshot = json.RawMessage(snapshot)
	b.FirstSeen = parseTime(firstSeen)
	b.LastVerified = parseTime(verified)
	return &b, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
