// Package store persists decoded program records to Postgres so the API server
// can answer reads without touching the ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db  *DB
	now func() time.Time
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns ? placeholders into $1..$n, leaving string
// literals alone.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.raw.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Amounts are u64 on chain and overflow BIGINT, so they are stored as TEXT.
func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			strategies INTEGER NOT NULL,
			marketplaces INTEGER NOT NULL,
			orders INTEGER NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategies (
			pubkey TEXT PRIMARY KEY,
			strategy_id BIGINT NOT NULL,
			admin TEXT NOT NULL,
			name TEXT NOT NULL,
			underlying_mint TEXT NOT NULL,
			yield_mint TEXT NOT NULL,
			apy_basis_points BIGINT NOT NULL,
			total_deposits TEXT NOT NULL,
			total_yield_minted TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_strategy_id ON strategies(strategy_id);`,
		`CREATE TABLE IF NOT EXISTS marketplaces (
			pubkey TEXT PRIMARY KEY,
			marketplace_id BIGINT NOT NULL,
			strategy TEXT NOT NULL,
			admin TEXT NOT NULL,
			yield_mint TEXT NOT NULL,
			underlying_mint TEXT NOT NULL,
			trading_fee_bps INTEGER NOT NULL,
			total_volume TEXT NOT NULL,
			total_trades TEXT NOT NULL,
			best_bid TEXT NOT NULL,
			best_ask TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_marketplaces_strategy ON marketplaces(strategy);`,
		`CREATE TABLE IF NOT EXISTS orders (
			pubkey TEXT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			owner TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			side TEXT NOT NULL,
			yield_token_amount TEXT NOT NULL,
			filled_amount TEXT NOT NULL,
			price_per_token TEXT NOT NULL,
			price TEXT NOT NULL,
			total_value TEXT NOT NULL,
			live INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_marketplace_live ON orders(marketplace, live);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
