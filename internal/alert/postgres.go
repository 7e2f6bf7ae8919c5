package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	fingerprint    TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	severity       INTEGER NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	primary_ioc    JSONB,
	iocs           JSONB NOT NULL DEFAULT '[]',
	score          JSONB NOT NULL,
	category       TEXT NOT NULL,
	status         TEXT NOT NULL,
	assigned_to    TEXT,
	occurrences    INTEGER NOT NULL DEFAULT 1,
	action_history JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_updated_at_idx ON alerts (updated_at DESC);
CREATE INDEX IF NOT EXISTS alerts_status_idx ON alerts (status);
`

const selectColumns = `fingerprint, source, event_type, severity, message, primary_ioc, iocs,
	score, category, status, assigned_to, occurrences, action_history, created_at, updated_at`

// PostgresConfig configures the Postgres alert store.
type PostgresConfig struct {
	DSN             string        `yaml:"-"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PostgresStore persists alerts in a single table keyed by fingerprint.
// Concurrent upserts of one fingerprint serialize on the row lock.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresStore opens the database, applies the schema and returns a store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: logger.Named("alert-store"),
		now:    time.Now,
	}, nil
}

// Upsert inserts the alert if the fingerprint is unseen; otherwise it locks
// the row and applies the delivery to it.
func (s *PostgresStore) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	if in.At.IsZero() {
		in.At = s.now()
	}

	var res UpsertResult
	err := s.withTx(ctx, "upsert", func(tx *sql.Tx) error {
		fresh := merge(nil, in)
		inserted, err := s.insert(ctx, tx, fresh.Alert)
		if err != nil {
			return err
		}
		if inserted {
			res = fresh
			return nil
		}

		existing, err := scanAlert(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM alerts WHERE fingerprint = $1 FOR UPDATE`, in.Fingerprint))
		if err != nil {
			return err
		}
		res = merge(&existing, in)
		return s.update(ctx, tx, res.Alert)
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// Get loads one alert.
func (s *PostgresStore) Get(ctx context.Context, fingerprint string) (Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM alerts WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Alert{}, err
		}
		return Alert{}, &StoreError{Op: "get", Err: err}
	}
	return a, nil
}

// List returns alerts most recently updated first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY updated_at DESC, fingerprint LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return alerts, nil
}

// Transition moves an alert to a new status, optionally assigning it.
func (s *PostgresStore) Transition(ctx context.Context, fingerprint string, to Status, assignee *string) (Alert, error) {
	return s.modify(ctx, "transition", fingerprint, func(a *Alert) error {
		return transition(a, to, assignee, s.now())
	})
}

// AppendAction records a sink outcome on the alert.
func (s *PostgresStore) AppendAction(ctx context.Context, fingerprint string, rec ActionRecord) (Alert, error) {
	return s.modify(ctx, "append_action", fingerprint, func(a *Alert) error {
		a.ActionHistory = append(a.ActionHistory, rec)
		a.UpdatedAt = s.now()
		return nil
	})
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) modify(ctx context.Context, op, fingerprint string, fn func(*Alert) error) (Alert, error) {
	var out Alert
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		a, err := scanAlert(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM alerts WHERE fingerprint = $1 FOR UPDATE`, fingerprint))
		if err != nil {
			return err
		}
		if err := fn(&a); err != nil {
			return err
		}
		out = a
		return s.update(ctx, tx, a)
	})
	if err != nil {
		return Alert{}, err
	}
	return out, nil
}

// withTx runs fn in a transaction. Lifecycle and lookup errors pass through
// untouched; everything else becomes a StoreError.
func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return &StoreError{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, tx *sql.Tx, a Alert) (bool, error) {
	cols, err := encodeAlert(a)
	if err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (fingerprint, source, event_type, severity, message, primary_ioc, iocs,
			score, category, status, assigned_to, occurrences, action_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (fingerprint) DO NOTHING`,
		a.Fingerprint, a.Source, a.EventType, a.Severity, a.Message, cols.primaryIOC, cols.iocs,
		cols.score, string(a.Category), string(a.Status), cols.assignedTo, a.Occurrences,
		cols.history, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) update(ctx context.Context, tx *sql.Tx, a Alert) error {
	cols, err := encodeAlert(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE alerts SET event_type = $2, severity = $3, message = $4, primary_ioc = $5, iocs = $6,
			score = $7, category = $8, status = $9, assigned_to = $10, occurrences = $11,
			action_history = $12, updated_at = $13
		WHERE fingerprint = $1`,
		a.Fingerprint, a.EventType, a.Severity, a.Message, cols.primaryIOC, cols.iocs,
		cols.score, string(a.Category), string(a.Status), cols.assignedTo, a.Occurrences,
		cols.history, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// JSONB columns are passed as strings; lib/pq would encode []byte as bytea.
type encodedColumns struct {
	primaryIOC sql.NullString
	iocs       string
	score      string
	history    string
	assignedTo sql.NullString
}

func encodeAlert(a Alert) (encodedColumns, error) {
	var cols encodedColumns
	if a.PrimaryIOC != nil {
		b, err := json.Marshal(a.PrimaryIOC)
		if err != nil {
			return cols, fmt.Errorf("encode primary_ioc: %w", err)
		}
		cols.primaryIOC = sql.NullString{String: string(b), Valid: true}
	}
	iocs, err := json.Marshal(nonNil(a.IOCs))
	if err != nil {
		return cols, fmt.Errorf("encode iocs: %w", err)
	}
	score, err := json.Marshal(a.Score)
	if err != nil {
		return cols, fmt.Errorf("encode score: %w", err)
	}
	history, err := json.Marshal(nonNil(a.ActionHistory))
	if err != nil {
		return cols, fmt.Errorf("encode action_history: %w", err)
	}
	cols.iocs, cols.score, cols.history = string(iocs), string(score), string(history)
	if a.AssignedTo != nil {
		cols.assignedTo = sql.NullString{String: *a.AssignedTo, Valid: true}
	}
	return cols, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (Alert, error) {
	var (
		a                    Alert
		category, status     string
		primaryIOC           []byte
		iocs, score, history []byte
		assignedTo           sql.NullString
	)
	err := row.Scan(&a.Fingerprint, &a.Source, &a.EventType, &a.Severity, &a.Message, &primaryIOC,
		&iocs, &score, &category, &status, &assignedTo, &a.Occurrences, &history, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, fmt.Errorf("scan alert: %w", err)
	}

	a.Category = scoring.Category(category)
	a.Status = Status(status)
	if assignedTo.Valid {
		v := assignedTo.String
		a.AssignedTo = &v
	}
	if len(primaryIOC) > 0 {
		var p telemetry.IOC
		if err := json.Unmarshal(primaryIOC, &p); err != nil {
			return Alert{}, fmt.Errorf("decode primary_ioc: %w", err)
		}
		a.PrimaryIOC = &p
	}
	if err := json.Unmarshal(iocs, &a.IOCs); err != nil {
		return Alert{}, fmt.Errorf("decode iocs: %w", err)
	}
	if err := json.Unmarshal(score, &a.Score); err != nil {
		return Alert{}, fmt.Errorf("decode score: %w", err)
	}
	if err := json.Unmarshal(history, &a.ActionHistory); err != nil {
		return Alert{}, fmt.Errorf("decode action_history: %w", err)
	}
	a.IOCs = nonNil(a.IOCs)
	a.ActionHistory = nonNil(a.ActionHistory)
	return a, nil
}
