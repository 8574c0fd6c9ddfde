package store

import (
	"fmt"
	"strings"
)

// Dialect selects SQL syntax and locking for a backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// appendOnlyTables are protected by mutation-rejecting triggers.
var appendOnlyTables = []string{"decisions", "status_events", "corrections", "replays"}

// advisoryLockKey serializes Postgres appends across processes.
const advisoryLockKey int64 = 0x6c6f6f70677269 // "loopgri"

const immutabilityMessage = "loopgrid: immutability violation"

func (d Dialect) migrations() []string {
	serial, boolean := "INTEGER PRIMARY KEY AUTOINCREMENT", "BOOLEAN"
	bigint := "INTEGER"
	if d == DialectPostgres {
		serial, bigint = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	sequence_number %s NOT NULL UNIQUE,
	service_name TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	input TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT,
	output TEXT NOT NULL,
	tool_calls TEXT,
	metadata TEXT,
	created_at TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL
)`, bigint),
		`CREATE INDEX IF NOT EXISTS idx_decisions_service ON decisions (service_name, decision_type)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS status_events (
	seq %s,
	event_id TEXT NOT NULL UNIQUE,
	decision_id TEXT NOT NULL REFERENCES decisions (decision_id),
	status TEXT NOT NULL,
	reason TEXT,
	created_at TEXT NOT NULL
)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_status_events_decision ON status_events (decision_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS corrections (
	seq %s,
	correction_id TEXT NOT NULL UNIQUE,
	decision_id TEXT NOT NULL REFERENCES decisions (decision_id),
	correction TEXT NOT NULL,
	corrected_by TEXT NOT NULL,
	notes TEXT,
	created_at TEXT NOT NULL
)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_corrections_decision ON corrections (decision_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS replays (
	seq %s,
	replay_id TEXT NOT NULL UNIQUE,
	decision_id TEXT NOT NULL REFERENCES decisions (decision_id),
	overrides TEXT,
	triggered_by TEXT NOT NULL,
	execution_mode TEXT NOT NULL,
	fallback_reason TEXT,
	provider TEXT NOT NULL,
	effective TEXT NOT NULL,
	replay_output TEXT NOT NULL,
	output_changed %s NOT NULL,
	diff_summary TEXT NOT NULL,
	latency_ms %s NOT NULL,
	created_at TEXT NOT NULL
)`, serial, boolean, bigint),
		`CREATE INDEX IF NOT EXISTS idx_replays_decision ON replays (decision_id, seq)`,
	}

	if d == DialectPostgres {
		stmts = append(stmts, `CREATE OR REPLACE FUNCTION loopgrid_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '`+immutabilityMessage+` on %', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`)
		for _, t := range appendOnlyTables {
			stmts = append(stmts,
				fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_append_only ON %s`, t, t),
				fmt.Sprintf(`CREATE TRIGGER %s_append_only BEFORE UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION loopgrid_reject_mutation()`, t, t),
			)
		}
		return stmts
	}

	for _, t := range appendOnlyTables {
		for _, op := range []string{"UPDATE", "DELETE"} {
			stmts = append(stmts, fmt.Sprintf(
				`CREATE TRIGGER IF NOT EXISTS %s_no_%s BEFORE %s ON %s BEGIN SELECT RAISE(ABORT, '%s on %s'); END`,
				t, strings.ToLower(op), op, t, immutabilityMessage, t))
		}
	}
	return stmts
}

// unboundedLimit is the clause that lets OFFSET stand without a LIMIT.
func (d Dialect) unboundedLimit() string {
	if d == DialectSQLite {
		return " LIMIT -1"
	}
	return ""
}
