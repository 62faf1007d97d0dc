// Package store persists jobs in a SQL database. SQLite is the default;
// PostgreSQL is used when DB_DRIVER is "postgres".
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mediaconv/job"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		media_source  TEXT NOT NULL,
		source_kind   TEXT NOT NULL,
		media_type    TEXT NOT NULL,
		output_format TEXT NOT NULL,
		keep_original BOOLEAN NOT NULL,
		status        TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		started_at    BIGINT,
		finished_at   BIGINT,
		output_file   TEXT,
		error         TEXT,
		output_log    TEXT NOT NULL DEFAULT '[]',
		progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		retry_of      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_finished ON jobs(status, finished_at)`,
}

const columns = `id, media_source, source_kind, media_type, output_format, keep_original,
	status, created_at, started_at, finished_at, output_file, error, output_log,
	progress, retry_count, retry_of`

// summaryColumns matches columns but skips reading the output log.
const summaryColumns = `id, media_source, source_kind, media_type, output_format, keep_original,
	status, created_at, started_at, finished_at, output_file, error, '[]',
	progress, retry_count, retry_of`

// SQLStore implements job.Store on database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects, verifies the connection and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; concurrent jobs queue on the connection instead of
		// failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates it.
func New(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save inserts or fully replaces the job row.
func (s *SQLStore) Save(ctx context.Context, j job.Job) error {
	logJSON, err := json.Marshal(nonNil(j.OutputLog))
	if err != nil {
		return fmt.Errorf("encode output log: %w", err)
	}

	query := `INSERT INTO jobs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			output_file = excluded.output_file,
			error = excluded.error,
			output_log = excluded.output_log,
			progress = excluded.progress`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		j.ID,
		j.MediaSource,
		string(j.SourceKind),
		string(j.MediaType),
		j.OutputFormat,
		j.KeepOriginal,
		string(j.Status),
		j.CreatedAt.UnixNano(),
		nullTime(j.StartedAt),
		nullTime(j.FinishedAt),
		nullString(j.OutputFile),
		nullString(j.Error),
		string(logJSON),
		j.Progress,
		j.RetryCount,
		nullString(j.RetryOf),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs newest first.
func (s *SQLStore) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	cols := columns
	if f.OmitLog {
		cols = summaryColumns
	}
	query := `SELECT ` + cols + ` FROM jobs`
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteTerminalBefore removes terminal jobs that finished before cutoff.
func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`),
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted jobs: %w", err)
	}
	return int(n), nil
}

// CountByStatus returns how many jobs are stored per status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[job.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[job.Status(st)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (job.Job, error) {
	var (
		j                             job.Job
		sourceKind, mediaType, status string
		created                       int64
		started, finished             sql.NullInt64
		outputFile, errText, retryOf  sql.NullString
		logJSON                       string
	)
	err := sc.Scan(
		&j.ID, &j.MediaSource, &sourceKind, &mediaType, &j.OutputFormat, &j.KeepOriginal,
		&status, &created, &started, &finished, &outputFile, &errText, &logJSON,
		&j.Progress, &j.RetryCount, &retryOf,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.SourceKind = job.SourceKind(sourceKind)
	j.MediaType = job.MediaType(mediaType)
	j.Status = job.Status(status)
	j.CreatedAt = time.Unix(0, created)
	if started.Valid {
		j.StartedAt = time.Unix(0, started.Int64)
	}
	if finished.Valid {
		j.FinishedAt = time.Unix(0, finished.Int64)
	}
	j.OutputFile = outputFile.String
	j.Error = errText.String
	j.RetryOf = retryOf.String
	if logJSON != "" && logJSON != "[]" {
		if err := json.Unmarshal([]byte(logJSON), &j.OutputLog); err != nil {
			return job.Job{}, fmt.Errorf("decode output log of %s: %w", j.ID, err)
		}
	}
	return j, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
