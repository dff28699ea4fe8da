package sqlstore

// schema is portable between postgres and sqlite: timestamps are unix nanoseconds,
// decimals and records are stored as JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_batches (
		seq        BIGINT PRIMARY KEY,
		mark       TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_trades (
		id        TEXT PRIMARY KEY,
		batch_seq BIGINT NOT NULL,
		symbol    TEXT NOT NULL,
		traded_at BIGINT NOT NULL,
		tag       TEXT NOT NULL,
		payload   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_trades_batch_idx ON ledger_trades (batch_seq, traded_at, id)`,
	`CREATE TABLE IF NOT EXISTS ledger_cash_flows (
		id        TEXT PRIMARY KEY,
		batch_seq BIGINT NOT NULL,
		asset     TEXT NOT NULL,
		moved_at  BIGINT NOT NULL,
		payload   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_cash_flows_batch_idx ON ledger_cash_flows (batch_seq, moved_at, id)`,
	`CREATE TABLE IF NOT EXISTS service_state (
		id         INTEGER PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id       TEXT PRIMARY KEY,
		taken_at BIGINT NOT NULL,
		payload  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS portfolio_snapshots_taken_idx ON portfolio_snapshots (taken_at)`,
}
