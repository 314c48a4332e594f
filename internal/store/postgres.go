package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/vega/internal/domain"
)

// idBlockSize is how many ids one sequence round-trip hands out. Batch
// inserts assign ids locally from the block instead of hitting the
// sequence per row.
const idBlockSize = 1000

// PostgresStore persists imported users.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	nextID  int64
	idsLeft int64
}

// NewPostgresStore connects, verifies connectivity, and bootstraps the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		// The block sequence advances by a whole id range at a time so
		// batch inserts allocate ids with a single round-trip.
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS users_id_block INCREMENT BY %d`, idBlockSize),
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			gender TEXT NOT NULL DEFAULT '',
			age INTEGER NOT NULL DEFAULT 0,
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// allocateIDs hands out n ids, refilling from the block sequence when
// the local range runs dry.
func (s *PostgresStore) allocateIDs(ctx context.Context, n int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, n)
	for len(ids) < n {
		if s.idsLeft == 0 {
			var hi int64
			if err := s.pool.QueryRow(ctx, `SELECT nextval('users_id_block')`).Scan(&hi); err != nil {
				return nil, fmt.Errorf("allocate id block: %w", err)
			}
			s.nextID = hi
			s.idsLeft = idBlockSize
		}
		ids = append(ids, s.nextID)
		s.nextID++
		s.idsLeft--
	}
	return ids, nil
}

// InsertUsers persists one workload batch inside a single explicit
// transaction. If any insert fails the whole batch rolls back.
func (s *PostgresStore) InsertUsers(ctx context.Context, users []domain.User) error {
	if len(users) == 0 {
		return nil
	}

	ids, err := s.allocateIDs(ctx, len(users))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i, u := range users {
		batch.Queue(`
			INSERT INTO users (id, first_name, last_name, email, gender, age, city, state, phone)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			ids[i], u.FirstName, u.LastName, u.Email, u.Gender, u.Age, u.City, u.State, u.Phone)
	}

	br := tx.SendBatch(ctx, batch)
	for range users {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch insert users: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return tx.Commit(ctx)
}

// ListUsersAfter returns up to limit users with id > afterID in id
// order. Keyset pagination keeps the export memory-flat regardless of
// table size.
func (s *PostgresStore) ListUsersAfter(ctx context.Context, afterID int64, limit int) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, first_name, last_name, email, gender, age, city, state, phone, created_at
		FROM users WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list users after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Gender,
			&u.Age, &u.City, &u.State, &u.Phone, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUsers returns the total user count.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
