package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL account directory and result sink.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
    id           TEXT PRIMARY KEY,
    email        TEXT NOT NULL,
    password     TEXT NOT NULL DEFAULT '',
    totp_secret  TEXT NOT NULL DEFAULT '',
    profile_id   TEXT NOT NULL,
    alt_profiles TEXT[] NOT NULL DEFAULT '{}',
    locale       TEXT NOT NULL DEFAULT '',
    last_state   TEXT,
    last_outcome TEXT,
    last_run_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS accounts_email_idx ON accounts (lower(email));
CREATE TABLE IF NOT EXISTS run_results (
    run_id      TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    action      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    status      TEXT NOT NULL,
    state       TEXT NOT NULL,
    pause_date  DATE,
    resume_date DATE,
    error_code  TEXT,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS run_results_account_idx ON run_results (account_id, started_at DESC);
`

// Migrate creates the tables the store reads and writes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const accountColumns = `id, email, password, totp_secret, profile_id, alt_profiles, locale`

func scanAccount(row pgx.Row) (schemas.Account, error) {
	var a schemas.Account
	err := row.Scan(&a.ID, &a.Email, &a.Password, &a.TOTPSecret, &a.ProfileID, &a.AltProfile, &a.Locale)
	return a, err
}

// FindAccount loads a single account by ID.
func (s *Store) FindAccount(ctx context.Context, id string) (*schemas.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1;`
	a, err := scanAccount(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", schemas.ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to query account %s: %w", id, err)
	}
	return &a, nil
}

// ListAccounts returns every account ordered by ID.
func (s *Store) ListAccounts(ctx context.Context) ([]schemas.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id ASC;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []schemas.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return accounts, nil
}

// AlternateIdentifiers returns the profile IDs registered for an email, the
// primary profile first. It backs the connection resolver's fallback search.
func (s *Store) AlternateIdentifiers(ctx context.Context, email string) ([]string, error) {
	query := `SELECT profile_id, alt_profiles FROM accounts WHERE lower(email) = lower($1) ORDER BY id ASC;`
	rows, err := s.pool.Query(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var primary string
		var alts []string
		if err := rows.Scan(&primary, &alts); err != nil {
			return nil, fmt.Errorf("failed to scan identifier row: %w", err)
		}
		ids = append(ids, primary)
		ids = append(ids, alts...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return dedupe(ids), nil
}

// WriteStatus records a run result and the account's latest observed state
// in one transaction.
func (s *Store) WriteStatus(ctx context.Context, result *schemas.RunResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.RunID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	insert := `
        INSERT INTO run_results (run_id, account_id, action, outcome, success, status, state,
            pause_date, resume_date, error_code, started_at, duration_ms, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (run_id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            success = EXCLUDED.success,
            status = EXCLUDED.status,
            state = EXCLUDED.state,
            pause_date = EXCLUDED.pause_date,
            resume_date = EXCLUDED.resume_date,
            error_code = EXCLUDED.error_code,
            duration_ms = EXCLUDED.duration_ms,
            payload = EXCLUDED.payload;
    `
	_, err = tx.Exec(ctx, insert,
		result.RunID, result.AccountID, string(result.Action), string(result.Outcome),
		result.Success, string(result.Status), string(result.State),
		dateOf(result.PauseDate), dateOf(result.ResumeDate), errorCodeOf(result.Error),
		result.StartedAt.UTC(), result.DurationMs, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run result %s: %w", result.RunID, err)
	}

	if updatesAccount(result) {
		update := `UPDATE accounts SET last_state = $2, last_outcome = $3, last_run_at = $4 WHERE id = $1;`
		finishedAt := result.StartedAt.Add(time.Duration(result.DurationMs) * time.Millisecond).UTC()
		if _, err := tx.Exec(ctx, update, result.AccountID, string(result.State), string(result.Outcome), finishedAt); err != nil {
			return fmt.Errorf("failed to update account %s: %w", result.AccountID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run result stored", zap.String("run_id", result.RunID), zap.String("outcome", string(result.Outcome)))
	return nil
}

// updatesAccount reports whether the run read the page conclusively enough to
// become the account's last known state.
func updatesAccount(r *schemas.RunResult) bool {
	return r.State != "" && r.State != schemas.StateUncertain && !r.Provisional
}

func dateOf(d *schemas.CandidateDate) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time()
	return &t
}

func errorCodeOf(e *schemas.ResultError) *string {
	if e == nil {
		return nil
	}
	code := string(e.Code)
	return &code
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
