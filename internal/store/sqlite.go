package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/binary-market/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS markets (
    id          TEXT    PRIMARY KEY,
    creator_id  TEXT    NOT NULL,
    question    TEXT    NOT NULL,
    num_yes     INTEGER NOT NULL DEFAULT 0,
    num_no      INTEGER NOT NULL DEFAULT 0,
    liquidity   TEXT    NOT NULL,
    resolved    INTEGER NOT NULL DEFAULT 0,
    outcome     TEXT,
    created_at  INTEGER NOT NULL,
    resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS bets (
    market_id TEXT    NOT NULL,
    user_id   TEXT    NOT NULL,
    side      TEXT    NOT NULL,
    quantity  INTEGER NOT NULL,
    PRIMARY KEY (market_id, user_id)
);

CREATE TABLE IF NOT EXISTS users (
    id         TEXT    PRIMARY KEY,
    bio        TEXT    NOT NULL,
    balance    TEXT    NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_history (
    user_id   TEXT    NOT NULL,
    position  INTEGER NOT NULL,
    market_id TEXT    NOT NULL,
    PRIMARY KEY (user_id, position)
);

CREATE TABLE IF NOT EXISTS sequences (
    name  TEXT    PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file (pure Go, no CGo).
// Decimals are stored as TEXT and timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return liteGetMarket(ctx, s.db, id)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return liteGetUser(ctx, s.db, id)
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, creator_id, question, num_yes, num_no, liquidity,
		        resolved, outcome, created_at, resolved_at
		 FROM markets ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	var markets []model.Market
	index := make(map[string]int)
	for rows.Next() {
		m, err := liteScanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		index[m.ID] = len(markets)
		markets = append(markets, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	betRows, err := s.db.QueryContext(ctx, `SELECT market_id, user_id, side, quantity FROM bets`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets: %w", err)
	}
	defer betRows.Close()

	for betRows.Next() {
		var marketID, userID, side string
		var qty int64
		if err := betRows.Scan(&marketID, &userID, &side, &qty); err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		if i, ok := index[marketID]; ok {
			markets[i].Voters[userID] = model.Bet{Side: model.Outcome(side), Quantity: qty}
		}
	}
	return markets, betRows.Err()
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bio, balance, created_at FROM users ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	var users []model.User
	index := make(map[string]int)
	for rows.Next() {
		u, err := liteScanUser(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		index[u.ID] = len(users)
		users = append(users, *u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	histRows, err := s.db.QueryContext(ctx,
		`SELECT user_id, market_id FROM user_history ORDER BY user_id, position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list history: %w", err)
	}
	defer histRows.Close()

	for histRows.Next() {
		var userID, marketID string
		if err := histRows.Scan(&userID, &marketID); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		if i, ok := index[userID]; ok {
			users[i].History = append(users[i].History, marketID)
		}
	}
	return users, histRows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&liteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

type liteTx struct {
	q sqlQuerier
}

func (t *liteTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return liteGetMarket(ctx, t.q, id)
}

func (t *liteTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return liteGetUser(ctx, t.q, id)
}

func (t *liteTx) CreateMarket(ctx context.Context, m *model.Market) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO markets (id, creator_id, question, num_yes, num_no, liquidity,
		                      resolved, outcome, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CreatorID, m.Question, m.NumYes, m.NumNo, m.Liquidity.String(),
		m.Resolved, outcomeParam(m.Outcome), m.CreatedAt.UnixNano(), unixNanoParam(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert market %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	return t.insertBets(ctx, m)
}

func (t *liteTx) PutMarket(ctx context.Context, m *model.Market) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE markets
		 SET num_yes = ?, num_no = ?, resolved = ?, outcome = ?, resolved_at = ?
		 WHERE id = ?`,
		m.NumYes, m.NumNo, m.Resolved, outcomeParam(m.Outcome), unixNanoParam(m.ResolvedAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update market %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return t.insertBets(ctx, m)
}

func (t *liteTx) insertBets(ctx context.Context, m *model.Market) error {
	for userID, bet := range m.Voters {
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO bets (market_id, user_id, side, quantity) VALUES (?, ?, ?, ?)
			 ON CONFLICT (market_id, user_id) DO NOTHING`,
			m.ID, userID, string(bet.Side), bet.Quantity,
		); err != nil {
			return fmt.Errorf("sqlite: insert bet %s/%s: %w", m.ID, userID, err)
		}
	}
	return nil
}

func (t *liteTx) CreateUser(ctx context.Context, u *model.User) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO users (id, bio, balance, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Bio, u.Balance.String(), u.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert user %s: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	return t.insertHistory(ctx, u)
}

func (t *liteTx) PutUser(ctx context.Context, u *model.User) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE users SET bio = ?, balance = ? WHERE id = ?`,
		u.Bio, u.Balance.String(), u.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update user %s: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	return t.insertHistory(ctx, u)
}

func (t *liteTx) insertHistory(ctx context.Context, u *model.User) error {
	for i, marketID := range u.History {
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO user_history (user_id, position, market_id) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, position) DO NOTHING`,
			u.ID, i, marketID,
		); err != nil {
			return fmt.Errorf("sqlite: insert history %s: %w", u.ID, err)
		}
	}
	return nil
}

func (t *liteTx) NextSequence(ctx context.Context, name string) (uint64, error) {
	var v int64
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO sequences (name, value) VALUES (?, 1)
		 ON CONFLICT (name) DO UPDATE SET value = value + 1
		 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next sequence %s: %w", name, err)
	}
	return uint64(v), nil
}

func liteGetMarket(ctx context.Context, q sqlQuerier, id string) (*model.Market, error) {
	m, err := liteScanMarket(q.QueryRowContext(ctx,
		`SELECT id, creator_id, question, num_yes, num_no, liquidity,
		        resolved, outcome, created_at, resolved_at
		 FROM markets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}

	rows, err := q.QueryContext(ctx, `SELECT user_id, side, quantity FROM bets WHERE market_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get bets %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, side string
		var qty int64
		if err := rows.Scan(&userID, &side, &qty); err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		m.Voters[userID] = model.Bet{Side: model.Outcome(side), Quantity: qty}
	}
	return m, rows.Err()
}

func liteGetUser(ctx context.Context, q sqlQuerier, id string) (*model.User, error) {
	u, err := liteScanUser(q.QueryRowContext(ctx,
		`SELECT id, bio, balance, created_at FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get user %s: %w", id, err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT market_id FROM user_history WHERE user_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get history %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var marketID string
		if err := rows.Scan(&marketID); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		u.History = append(u.History, marketID)
	}
	return u, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func liteScanMarket(row scanner) (*model.Market, error) {
	m := &model.Market{Voters: make(map[string]model.Bet)}
	var liquidity string
	var outcome sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.NumYes, &m.NumNo, &liquidity,
		&m.Resolved, &outcome, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Liquidity, err = decimal.NewFromString(liquidity); err != nil {
		return nil, fmt.Errorf("market %s liquidity %q: %w", m.ID, liquidity, err)
	}
	if outcome.Valid {
		o := model.Outcome(outcome.String)
		m.Outcome = &o
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		m.ResolvedAt = &t
	}
	return m, nil
}

func liteScanUser(row scanner) (*model.User, error) {
	u := &model.User{History: []string{}}
	var balance string
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Bio, &balance, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("user %s balance %q: %w", u.ID, balance, err)
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	return u, nil
}

func unixNanoParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
