package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_memory (
	user_id       TEXT PRIMARY KEY,
	history       JSONB NOT NULL DEFAULT '[]'::jsonb,
	personal_info TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// pgDB is the subset of *pgxpool.Pool used by PostgresRepository.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresRepository stores one row per user. Updates lock the user's row,
// so writers for different users do not wait on each other.
type PostgresRepository struct {
	settings
	db    pgDB
	close func()
}

// NewPostgresRepository connects to dsn and creates the chat_memory table
// if it does not exist.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect memory database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping memory database: %w", err)
	}
	r := &PostgresRepository{settings: newSettings(opts), db: pool, close: pool.Close}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Migrate creates the schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create chat_memory table: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.close != nil {
		r.close()
	}
}

// Load returns the stored state for userID or the default state. Query
// failures are logged and yield the default.
func (r *PostgresRepository) Load(ctx context.Context, userID string) UserState {
	state, err := scanState(r.db.QueryRow(ctx,
		`SELECT history, personal_info FROM chat_memory WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return NewUserState()
	}
	if err != nil {
		r.logger.WarnContext(ctx, "memory row unreadable, using default state", "user_id", userID, "error", err)
		if errors.Is(err, ErrStoreCorrupt) && r.stats != nil {
			r.stats.IncStoreCorrupt()
		}
		return NewUserState()
	}
	return state
}

// Save replaces the stored state for userID.
func (r *PostgresRepository) Save(ctx context.Context, userID string, state UserState) error {
	_, err := r.Update(ctx, userID, func(UserState) UserState { return state })
	return err
}

// Update applies fn to the current state inside a transaction holding the
// user's row lock and stores the truncated result.
func (r *PostgresRepository) Update(ctx context.Context, userID string, fn func(UserState) UserState) (UserState, error) {
	start := time.Now()
	var next UserState
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_memory (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
			return fmt.Errorf("ensure memory row: %w", err)
		}
		current, err := scanState(tx.QueryRow(ctx,
			`SELECT history, personal_info FROM chat_memory WHERE user_id = $1 FOR UPDATE`, userID))
		if err != nil {
			if !errors.Is(err, ErrStoreCorrupt) {
				return fmt.Errorf("lock memory row: %w", err)
			}
			r.logger.WarnContext(ctx, "memory row corrupt, rewriting from default state", "user_id", userID, "error", err)
			if r.stats != nil {
				r.stats.IncStoreCorrupt()
			}
			current = NewUserState()
		}

		next = Truncate(fn(cloneState(current)), r.cap)
		history, err := json.Marshal(next.History)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE chat_memory SET history = $2::jsonb, personal_info = $3, updated_at = now() WHERE user_id = $1`,
			userID, string(history), next.PersonalInfo)
		if err != nil {
			return fmt.Errorf("write memory row: %w", err)
		}
		return nil
	})
	r.observeWrite(start, err)
	if err != nil {
		return UserState{}, err
	}
	return cloneState(next), nil
}

// Clear resets userID to the default state.
func (r *PostgresRepository) Clear(ctx context.Context, userID string) error {
	return r.Save(ctx, userID, NewUserState())
}

// List returns stored user ids in sorted order.
func (r *PostgresRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM chat_memory ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list memory rows: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list memory rows: %w", err)
	}
	return ids, nil
}

func scanState(row pgx.Row) (UserState, error) {
	var (
		raw  []byte
		info string
	)
	if err := row.Scan(&raw, &info); err != nil {
		return UserState{}, err
	}
	var history []Turn
	if err := json.Unmarshal(raw, &history); err != nil {
		return UserState{}, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return UserState{History: validTurns(history), PersonalInfo: info}, nil
}

var _ Repository = (*PostgresRepository)(nil)
