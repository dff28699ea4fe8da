// Package sqlstore persists the ledger, service state and snapshots in postgres or sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/storage"
)

const stateRowID = 1

var _ storage.Store = (*Store)(nil)

// Store is a database/sql backed storage.Store.
type Store struct {
	db *sql.DB
}

// Open connects with the given driver ("postgres" or "sqlite3") and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, errors.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}

	return nil
}

// AppendBatch stores the batch in one transaction. Entries already present are skipped.
func (s *Store) AppendBatch(ctx context.Context, batch ledger.Batch) (err error) {
	mark, err := storage.JSON.Marshal(batch.Mark)
	if err != nil {
		return errors.Wrap(err, "marshal mark")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_batches`).Scan(&seq); err != nil {
		return errors.Wrap(err, "next batch sequence")
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_batches (seq, mark, created_at) VALUES ($1, $2, $3)`,
		seq, string(mark), time.Now().UnixNano(),
	); err != nil {
		return errors.Wrap(err, "insert batch")
	}

	for i := range batch.Trades {
		t := &batch.Trades[i]
		payload, mErr := storage.JSON.Marshal(t)
		if mErr != nil {
			err = errors.Wrapf(mErr, "marshal trade %s", t.ID)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_trades (id, batch_seq, symbol, traded_at, tag, payload)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			t.ID, seq, t.Pair.Symbol(), t.Time.UnixNano(), t.Tag.String(), string(payload),
		); err != nil {
			return errors.Wrapf(err, "insert trade %s", t.ID)
		}
	}

	for i := range batch.CashFlows {
		c := &batch.CashFlows[i]
		payload, mErr := storage.JSON.Marshal(c)
		if mErr != nil {
			err = errors.Wrapf(mErr, "marshal cash flow %s", c.ID)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_cash_flows (id, batch_seq, asset, moved_at, payload)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			c.ID, seq, c.Asset, c.Time.UnixNano(), string(payload),
		); err != nil {
			return errors.Wrapf(err, "insert cash flow %s", c.ID)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit batch")
	}

	return nil
}

// Batches rebuilds every batch in sequence order.
func (s *Store) Batches(ctx context.Context) ([]ledger.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, mark FROM ledger_batches ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "query batches")
	}
	defer rows.Close()

	var (
		batches []ledger.Batch
		index   = make(map[int64]int)
	)
	for rows.Next() {
		var (
			seq  int64
			mark string
		)
		if err := rows.Scan(&seq, &mark); err != nil {
			return nil, errors.Wrap(err, "scan batch")
		}
		var b ledger.Batch
		if err := storage.JSON.UnmarshalFromString(mark, &b.Mark); err != nil {
			return nil, errors.Wrapf(err, "decode mark of batch %d", seq)
		}
		index[seq] = len(batches)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate batches")
	}

	trades, err := s.db.QueryContext(ctx, `SELECT batch_seq, payload FROM ledger_trades ORDER BY batch_seq, traded_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer trades.Close()
	for trades.Next() {
		var (
			seq     int64
			payload string
		)
		if err := trades.Scan(&seq, &payload); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		i, ok := index[seq]
		if !ok {
			return nil, errors.Errorf("trade references unknown batch %d", seq)
		}
		var t domain.Trade
		if err := storage.JSON.UnmarshalFromString(payload, &t); err != nil {
			return nil, errors.Wrap(err, "decode trade")
		}
		batches[i].Trades = append(batches[i].Trades, t)
	}
	if err := trades.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate trades")
	}

	flows, err := s.db.QueryContext(ctx, `SELECT batch_seq, payload FROM ledger_cash_flows ORDER BY batch_seq, moved_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query cash flows")
	}
	defer flows.Close()
	for flows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := flows.Scan(&seq, &payload); err != nil {
			return nil, errors.Wrap(err, "scan cash flow")
		}
		i, ok := index[seq]
		if !ok {
			return nil, errors.Errorf("cash flow references unknown batch %d", seq)
		}
		var c domain.CashFlow
		if err := storage.JSON.UnmarshalFromString(payload, &c); err != nil {
			return nil, errors.Wrap(err, "decode cash flow")
		}
		batches[i].CashFlows = append(batches[i].CashFlows, c)
	}

	return batches, errors.Wrap(flows.Err(), "iterate cash flows")
}

// SaveState upserts the single state row.
func (s *Store) SaveState(ctx context.Context, state storage.StateRecord) error {
	payload, err := storage.JSON.MarshalToString(state)
	if err != nil {
		return errors.Wrap(err, "marshal service state")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO service_state (id, payload, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		stateRowID, payload, state.UpdatedAt.UnixNano(),
	)

	return errors.Wrap(err, "save service state")
}

// LoadState reads the state row.
func (s *Store) LoadState(ctx context.Context) (storage.StateRecord, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM service_state WHERE id = $1`, stateRowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StateRecord{}, false, nil
	}
	if err != nil {
		return storage.StateRecord{}, false, errors.Wrap(err, "load service state")
	}

	var state storage.StateRecord
	if err := storage.JSON.UnmarshalFromString(payload, &state); err != nil {
		return storage.StateRecord{}, false, errors.Wrap(err, "decode service state")
	}

	return state, true, nil
}

// Save inserts a snapshot.
func (s *Store) Save(ctx context.Context, snapshot domain.PortfolioSnapshot) error {
	if snapshot.ID == "" {
		return errors.New("snapshot id is required")
	}
	payload, err := storage.JSON.MarshalToString(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO portfolio_snapshots (id, taken_at, payload) VALUES ($1, $2, $3)`,
		snapshot.ID, snapshot.Timestamp.UnixNano(), payload,
	)

	return errors.Wrapf(err, "save snapshot %s", snapshot.ID)
}

// List returns stored snapshots oldest first.
func (s *Store) List(ctx context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error) {
	var since int64
	if !filter.Since.IsZero() {
		since = filter.Since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM portfolio_snapshots WHERE taken_at >= $1 ORDER BY taken_at, id`, since)
	if err != nil {
		return nil, errors.Wrap(err, "query snapshots")
	}
	defer rows.Close()

	var out []domain.PortfolioSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		var snap domain.PortfolioSnapshot
		if err := storage.JSON.UnmarshalFromString(payload, &snap); err != nil {
			return nil, errors.Wrap(err, "decode snapshot")
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate snapshots")
	}

	return storage.FilterSnapshots(out, filter), nil
}

// Prune deletes snapshots taken before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM portfolio_snapshots WHERE taken_at < $1`, olderThan.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "prune snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "count pruned snapshots")
	}

	return int(n), nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
