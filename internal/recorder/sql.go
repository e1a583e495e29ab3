package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLRecorder persists the journal to SQLite or PostgreSQL.
type SQLRecorder struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
	log     zerolog.Logger
}

// NewSQLRecorder opens (or creates) the database and runs migrations.
// For sqlite dsn is a file path; for postgres a connection string.
func NewSQLRecorder(ctx context.Context, dialect Dialect, dsn string, log zerolog.Logger) (*SQLRecorder, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported journal dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// Single writer; WAL lets external readers query while the worker writes.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &SQLRecorder{db: db, dialect: dialect, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("dialect", string(dialect)).Msg("journal opened")
	return r, nil
}

func (r *SQLRecorder) migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolean := "INTEGER"
	if r.dialect == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		boolean = "BOOLEAN"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			id              ` + id + `,
			run_id          TEXT NOT NULL,
			timestamp       BIGINT NOT NULL,
			kind            TEXT NOT NULL,
			symbol          TEXT,
			source          TEXT,
			price           DOUBLE PRECISION,
			reference_close DOUBLE PRECISION,
			reference_date  TEXT,
			session_date    TEXT,
			change_pct      DOUBLE PRECISION,
			fired           ` + boolean + ` NOT NULL,
			reason          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(timestamp)`,

		`CREATE TABLE IF NOT EXISTS triggers (
			id              ` + id + `,
			run_id          TEXT NOT NULL,
			timestamp       BIGINT NOT NULL,
			number          INTEGER NOT NULL,
			date            TEXT NOT NULL,
			category        TEXT NOT NULL,
			price           DOUBLE PRECISION,
			reference_close DOUBLE PRECISION,
			drop_pct        DOUBLE PRECISION,
			crypto_total    TEXT,
			equity_total    TEXT,
			includes_bonus  ` + boolean + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_number ON triggers(number)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id             ` + id + `,
			run_id         TEXT NOT NULL,
			timestamp      BIGINT NOT NULL,
			trigger_number INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			success        ` + boolean + ` NOT NULL,
			error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_trigger ON notifications(trigger_number)`,
	}

	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (r *SQLRecorder) bind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *SQLRecorder) boolValue(v bool) any {
	if r.dialect == DialectPostgres {
		return v
	}
	if v {
		return 1
	}
	return 0
}

func (r *SQLRecorder) exec(ctx context.Context, query string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, r.bind(query), args...)
	return err
}

func (r *SQLRecorder) RecordObservation(ctx context.Context, evt *ObservationEvent) error {
	return r.exec(ctx, `INSERT INTO observations
		(run_id, timestamp, kind, symbol, source, price, reference_close, reference_date,
		 session_date, change_pct, fired, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.RunID, evt.Timestamp.Unix(), evt.Kind, evt.Symbol, evt.Source, evt.Price,
		nullFloat(evt.ReferenceClose), evt.ReferenceDate, evt.SessionDate,
		nullFloat(evt.ChangePct), r.boolValue(evt.Fired), evt.Reason,
	)
}

func (r *SQLRecorder) RecordTrigger(ctx context.Context, evt *TriggerEvent) error {
	return r.exec(ctx, `INSERT INTO triggers
		(run_id, timestamp, number, date, category, price, reference_close, drop_pct,
		 crypto_total, equity_total, includes_bonus)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		evt.RunID, evt.Timestamp.Unix(), evt.Number, evt.Date, evt.Category, evt.Price,
		nullFloat(evt.ReferenceClose), evt.DropPct, evt.CryptoTotal, evt.EquityTotal,
		r.boolValue(evt.IncludesBonus),
	)
}

func (r *SQLRecorder) RecordNotification(ctx context.Context, evt *NotificationEvent) error {
	return r.exec(ctx, `INSERT INTO notifications
		(run_id, timestamp, trigger_number, kind, success, error)
		VALUES (?,?,?,?,?,?)`,
		evt.RunID, evt.Timestamp.Unix(), evt.Trigger, evt.Kind, r.boolValue(evt.Success), evt.Error,
	)
}

func (r *SQLRecorder) Close() error {
	r.log.Info().Msg("closing journal")
	return r.db.Close()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
