package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-market/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies embedded SQL migrations in lexicographic order, tracking
// applied files in a schema_migrations table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return pgGetMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return pgGetUser(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, creator_id, question, num_yes, num_no, liquidity::TEXT,
		        resolved, outcome, created_at, resolved_at
		 FROM markets ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	index := make(map[string]int)
	for rows.Next() {
		m, err := pgScanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		index[m.ID] = len(markets)
		markets = append(markets, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	betRows, err := s.pool.Query(ctx, `SELECT market_id, user_id, side, quantity FROM bets`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	defer betRows.Close()

	for betRows.Next() {
		var marketID, userID, side string
		var qty int64
		if err := betRows.Scan(&marketID, &userID, &side, &qty); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		if i, ok := index[marketID]; ok {
			markets[i].Voters[userID] = model.Bet{Side: model.Outcome(side), Quantity: qty}
		}
	}
	return markets, betRows.Err()
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bio, balance::TEXT, created_at FROM users ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	index := make(map[string]int)
	for rows.Next() {
		u, err := pgScanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		index[u.ID] = len(users)
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	histRows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id FROM user_history ORDER BY user_id, position`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer histRows.Close()

	for histRows.Next() {
		var userID, marketID string
		if err := histRows.Scan(&userID, &marketID); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		if i, ok := index[userID]; ok {
			users[i].History = append(users[i].History, marketID)
		}
	}
	return users, histRows.Err()
}

// Update runs fn inside one PostgreSQL transaction. Rows read through the
// Tx are locked with FOR UPDATE, which serialises concurrent bets and
// resolutions touching the same market or user.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return pgGetMarket(ctx, t.q, id, true)
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return pgGetUser(ctx, t.q, id, true)
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, creator_id, question, num_yes, num_no, liquidity,
		                      resolved, outcome, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CreatorID, m.Question, m.NumYes, m.NumNo, m.Liquidity.String(),
		m.Resolved, outcomeParam(m.Outcome), m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	return t.insertBets(ctx, m)
}

func (t *pgTx) PutMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET num_yes = $2, num_no = $3, resolved = $4, outcome = $5, resolved_at = $6
		 WHERE id = $1`,
		m.ID, m.NumYes, m.NumNo, m.Resolved, outcomeParam(m.Outcome), m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return t.insertBets(ctx, m)
}

// insertBets appends any bets not yet stored. Existing rows are left as is.
func (t *pgTx) insertBets(ctx context.Context, m *model.Market) error {
	if len(m.Voters) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(m.Voters))
	sides := make([]string, 0, len(m.Voters))
	qtys := make([]int64, 0, len(m.Voters))
	for userID, bet := range m.Voters {
		userIDs = append(userIDs, userID)
		sides = append(sides, string(bet.Side))
		qtys = append(qtys, bet.Quantity)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (market_id, user_id, side, quantity)
		 SELECT $1, u, s, q FROM unnest($2::TEXT[], $3::TEXT[], $4::BIGINT[]) AS t(u, s, q)
		 ON CONFLICT (market_id, user_id) DO NOTHING`,
		m.ID, userIDs, sides, qtys,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bets for %s: %w", m.ID, err)
	}
	return nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO users (id, bio, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Bio, u.Balance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	return t.insertHistory(ctx, u)
}

func (t *pgTx) PutUser(ctx context.Context, u *model.User) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET bio = $2, balance = $3::NUMERIC WHERE id = $1`,
		u.ID, u.Bio, u.Balance.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	return t.insertHistory(ctx, u)
}

func (t *pgTx) insertHistory(ctx context.Context, u *model.User) error {
	if len(u.History) == 0 {
		return nil
	}
	positions := make([]int32, len(u.History))
	for i := range u.History {
		positions[i] = int32(i)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO user_history (user_id, position, market_id)
		 SELECT $1, p, m FROM unnest($2::INTEGER[], $3::TEXT[]) AS t(p, m)
		 ON CONFLICT (user_id, position) DO NOTHING`,
		u.ID, positions, u.History,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert history for %s: %w", u.ID, err)
	}
	return nil
}

func (t *pgTx) NextSequence(ctx context.Context, name string) (uint64, error) {
	var v int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO sequences (name, value) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("postgres: next sequence %s: %w", name, err)
	}
	return uint64(v), nil
}

func pgGetMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	query := `SELECT id, creator_id, question, num_yes, num_no, liquidity::TEXT,
	                 resolved, outcome, created_at, resolved_at
	          FROM markets WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	m, err := pgScanMarket(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `SELECT user_id, side, quantity FROM bets WHERE market_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get bets %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, side string
		var qty int64
		if err := rows.Scan(&userID, &side, &qty); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		m.Voters[userID] = model.Bet{Side: model.Outcome(side), Quantity: qty}
	}
	return m, rows.Err()
}

func pgGetUser(ctx context.Context, q querier, id string, forUpdate bool) (*model.User, error) {
	query := `SELECT id, bio, balance::TEXT, created_at FROM users WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	u, err := pgScanUser(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get user %s: %w", id, err)
	}

	rows, err := q.Query(ctx,
		`SELECT market_id FROM user_history WHERE user_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get history %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var marketID string
		if err := rows.Scan(&marketID); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		u.History = append(u.History, marketID)
	}
	return u, rows.Err()
}

func pgScanMarket(row pgx.Row) (*model.Market, error) {
	m := &model.Market{Voters: make(map[string]model.Bet)}
	var liquidity string
	var outcome *string
	if err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.NumYes, &m.NumNo, &liquidity,
		&m.Resolved, &outcome, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Liquidity, err = decimal.NewFromString(liquidity); err != nil {
		return nil, fmt.Errorf("market %s liquidity %q: %w", m.ID, liquidity, err)
	}
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return m, nil
}

func pgScanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{History: []string{}}
	var balance string
	if err := row.Scan(&u.ID, &u.Bio, &balance, &u.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("user %s balance %q: %w", u.ID, balance, err)
	}
	return u, nil
}

func outcomeParam(o *model.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
