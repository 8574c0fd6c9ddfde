package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
)

const decisionColumns = `d.decision_id, d.sequence_number, d.service_name, d.decision_type, d.input, d.model,
	d.prompt, d.output, d.tool_calls, d.metadata, d.created_at, d.previous_hash, d.content_hash, d.chain_hash`

const replayColumns = `replay_id, decision_id, overrides, triggered_by, execution_mode, fallback_reason, provider,
	effective, replay_output, output_changed, diff_summary, latency_ms, created_at`

// SQLStore persists the ledger in SQLite or Postgres.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	appendMu sync.Mutex
	logger   *slog.Logger
}

// Open connects to the given driver ("sqlite" or "postgres") and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported driver %q: %w", driver, contracts.ErrConfiguration)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One connection makes every SQLite transaction a serialized unit.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and applies the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := newSQLStore(db, dialect)
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "dialect", string(dialect)),
	}
}

// Migrate creates tables, indexes and append-only triggers if absent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "schema ready")
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AppendDecision reads the tail, seals and inserts inside one transaction.
// Postgres holds a transaction-scoped advisory lock so writers in other
// processes serialize too.
func (s *SQLStore) AppendDecision(ctx context.Context, seal func(contracts.ChainTail) (*contracts.Decision, error)) (*contracts.Decision, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
			return nil, fmt.Errorf("acquire append lock: %w", err)
		}
	}

	tail := contracts.ChainTail{}
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number, chain_hash FROM decisions ORDER BY sequence_number DESC LIMIT 1`,
	).Scan(&tail.SequenceNumber, &tail.ChainHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tail.Empty = true
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	d, err := seal(tail)
	if err != nil {
		return nil, err
	}

	model, err := json.Marshal(d.Model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO decisions (
	decision_id, sequence_number, service_name, decision_type, input, model, prompt, output,
	tool_calls, metadata, created_at, previous_hash, content_hash, chain_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.SequenceNumber, d.ServiceName, d.DecisionType, string(d.Input), string(model),
		nullableJSON(d.Prompt), string(d.Output), nullableJSON(d.ToolCalls), nullableJSON(d.Metadata),
		hashchain.FormatTime(d.CreatedAt), d.PreviousHash, d.ContentHash, d.ChainHash,
	)
	if err != nil {
		return nil, classify(err, "decision", d.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return d, nil
}

func (s *SQLStore) GetDecision(ctx context.Context, id string) (*contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+decisionColumns+` FROM decisions d WHERE d.decision_id = ?`), id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("decision", id)
	}
	return d, err
}

func (s *SQLStore) filterClause(filter contracts.DecisionFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.ServiceName != "" {
		conds = append(conds, "d.service_name = ?")
		args = append(args, filter.ServiceName)
	}
	if filter.DecisionType != "" {
		conds = append(conds, "d.decision_type = ?")
		args = append(args, filter.DecisionType)
	}
	if filter.Status != "" {
		conds = append(conds, `COALESCE((SELECT se.status FROM status_events se
	WHERE se.decision_id = d.decision_id ORDER BY se.seq DESC LIMIT 1), 'recorded') = ?`)
		args = append(args, string(filter.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) ListDecisions(ctx context.Context, filter contracts.DecisionFilter) ([]*contracts.Decision, error) {
	where, args := s.filterClause(filter)
	order := " ORDER BY d.sequence_number ASC"
	if filter.Descending {
		order = " ORDER BY d.sequence_number DESC"
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions d` + where + order
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit == 0 {
			query += s.dialect.unboundedLimit()
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*contracts.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountDecisions(ctx context.Context, filter contracts.DecisionFilter) (int, error) {
	where, args := s.filterClause(filter)
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM decisions d`+where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

// ScanDecisions streams every decision in sequence order from one statement,
// so the visitor sees a consistent, fully appended prefix.
func (s *SQLStore) ScanDecisions(ctx context.Context, fn func(*contracts.Decision) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions d ORDER BY d.sequence_number ASC`)
	if err != nil {
		return fmt.Errorf("scan decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) InsertStatusEvent(ctx context.Context, e *contracts.StatusEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO status_events (event_id, decision_id, status, reason, created_at) VALUES (?, ?, ?, ?, ?)`),
		e.ID, e.DecisionID, string(e.Status), nullableString(e.Reason), hashchain.FormatTime(e.CreatedAt),
	)
	return classify(err, "decision", e.DecisionID)
}

func (s *SQLStore) ListStatusEvents(ctx context.Context, decisionID string) ([]*contracts.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT event_id, decision_id, status, reason, created_at FROM status_events WHERE decision_id = ? ORDER BY seq ASC`),
		decisionID)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*contracts.StatusEvent{}
	for rows.Next() {
		var (
			e         contracts.StatusEvent
			status    string
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DecisionID, &status, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.Status = contracts.Status(status)
		e.Reason = reason.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertCorrection stores c and, when it is the decision's first correction,
// firstEvent in the same transaction.
func (s *SQLStore) InsertCorrection(ctx context.Context, c *contracts.Correction, firstEvent *contracts.StatusEvent) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin correction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM corrections WHERE decision_id = ?`), c.DecisionID).Scan(&existing); err != nil {
		return false, fmt.Errorf("count corrections: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO corrections (correction_id, decision_id, correction, corrected_by, notes, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.DecisionID, string(c.Correction), c.CorrectedBy, nullableString(c.Notes), hashchain.FormatTime(c.CreatedAt),
	)
	if err != nil {
		return false, classify(err, "decision", c.DecisionID)
	}

	first := existing == 0
	if first && firstEvent != nil {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO status_events (event_id, decision_id, status, reason, created_at) VALUES (?, ?, ?, ?, ?)`),
			firstEvent.ID, firstEvent.DecisionID, string(firstEvent.Status), nullableString(firstEvent.Reason),
			hashchain.FormatTime(firstEvent.CreatedAt),
		)
		if err != nil {
			return false, classify(err, "decision", c.DecisionID)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit correction: %w", err)
	}
	return first, nil
}

const correctionColumns = `correction_id, decision_id, correction, corrected_by, notes, created_at`

func (s *SQLStore) ListCorrections(ctx context.Context, decisionID string) ([]*contracts.Correction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+correctionColumns+` FROM corrections WHERE decision_id = ? ORDER BY seq ASC`), decisionID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*contracts.Correction{}
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetCorrection(ctx context.Context, id string) (*contracts.Correction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+correctionColumns+` FROM corrections WHERE correction_id = ?`), id)
	c, err := scanCorrection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("correction", id)
	}
	return c, err
}

func (s *SQLStore) InsertReplay(ctx context.Context, r *contracts.Replay) error {
	var overrides any
	if r.Overrides != nil {
		b, err := json.Marshal(r.Overrides)
		if err != nil {
			return fmt.Errorf("encode overrides: %w", err)
		}
		overrides = string(b)
	}
	effective, err := json.Marshal(r.Effective)
	if err != nil {
		return fmt.Errorf("encode effective input: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO replays (`+replayColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.DecisionID, overrides, r.TriggeredBy, string(r.ExecutionMode), nullableString(string(r.FallbackReason)),
		r.Provider, string(effective), string(r.Output), r.OutputChanged, r.DiffSummary, r.LatencyMs,
		hashchain.FormatTime(r.CreatedAt),
	)
	return classify(err, "decision", r.DecisionID)
}

func (s *SQLStore) GetReplay(ctx context.Context, id string) (*contracts.Replay, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+replayColumns+` FROM replays WHERE replay_id = ?`), id)
	r, err := scanReplay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("replay", id)
	}
	return r, err
}

func (s *SQLStore) ListReplays(ctx context.Context, decisionID string) ([]*contracts.Replay, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+replayColumns+` FROM replays WHERE decision_id = ? ORDER BY seq ASC`), decisionID)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*contracts.Replay{}
	for rows.Next() {
		r, err := scanReplay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (*contracts.Decision, error) {
	var (
		d                               contracts.Decision
		input, model, output, createdAt string
		prompt, toolCalls, metadata     sql.NullString
	)
	err := row.Scan(&d.ID, &d.SequenceNumber, &d.ServiceName, &d.DecisionType, &input, &model,
		&prompt, &output, &toolCalls, &metadata, &createdAt, &d.PreviousHash, &d.ContentHash, &d.ChainHash)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(model), &d.Model); err != nil {
		return nil, fmt.Errorf("decode model of %s: %w", d.ID, err)
	}
	d.Input = json.RawMessage(input)
	d.Output = json.RawMessage(output)
	d.Prompt = rawOrNil(prompt)
	d.ToolCalls = rawOrNil(toolCalls)
	d.Metadata = rawOrNil(metadata)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanCorrection(row scanner) (*contracts.Correction, error) {
	var (
		c                  contracts.Correction
		payload, createdAt string
		notes              sql.NullString
	)
	if err := row.Scan(&c.ID, &c.DecisionID, &payload, &c.CorrectedBy, &notes, &createdAt); err != nil {
		return nil, err
	}
	c.Correction = json.RawMessage(payload)
	c.Notes = notes.String
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanReplay(row scanner) (*contracts.Replay, error) {
	var (
		r                                  contracts.Replay
		overrides, fallback                sql.NullString
		mode, effective, output, createdAt string
	)
	err := row.Scan(&r.ID, &r.DecisionID, &overrides, &r.TriggeredBy, &mode, &fallback, &r.Provider,
		&effective, &output, &r.OutputChanged, &r.DiffSummary, &r.LatencyMs, &createdAt)
	if err != nil {
		return nil, err
	}
	r.ExecutionMode = contracts.ExecutionMode(mode)
	r.FallbackReason = contracts.FallbackReason(fallback.String)
	r.Output = json.RawMessage(output)
	if overrides.Valid && overrides.String != "" {
		r.Overrides = &contracts.Overrides{}
		if err := json.Unmarshal([]byte(overrides.String), r.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides of %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(effective), &r.Effective); err != nil {
		return nil, fmt.Errorf("decode effective input of %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// classify maps driver errors onto the contract sentinels.
func classify(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s %s: %w", kind, id, contracts.ErrImmutabilityViolation)
		case "23503":
			return contracts.NotFound(kind, id)
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, immutabilityMessage), strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s %s: %w: %v", kind, id, contracts.ErrImmutabilityViolation, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return contracts.NotFound(kind, id)
	}
	return err
}
