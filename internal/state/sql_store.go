package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/example/wfcore/db/migrations"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLStore persists the job ledger in Postgres (pgx) or SQLite (modernc).
// Queries are written with $N placeholders in argument order and rebound
// for SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DialectPostgres, dsn)
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	return NewSQLStore(DialectSQLite, path)
}

func NewSQLStore(dialect, dsn string) (*SQLStore, error) {
	driver := ""
	switch dialect {
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`, `PRAGMA foreign_keys=ON;`} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	}
	store := &SQLStore{db: db, dialect: dialect}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *SQLStore) Close() error { return p.db.Close() }

var placeholderRe = regexp.MustCompile(`\$\d+`)

func (p *SQLStore) q(query string) string {
	if p.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func (p *SQLStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	migFS, err := fs.Sub(migrations.Files, p.dialect)
	if err != nil {
		return err
	}
	files, err := listMigrationFiles(migFS)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, migFS, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *SQLStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, p.q(`SELECT COUNT(1) FROM schema_migrations WHERE version=$1`), version).Scan(&n)
	return n > 0, err
}

func (p *SQLStore) applyMigration(ctx context.Context, migFS fs.FS, file string) error {
	sqlBytes, err := fs.ReadFile(migFS, file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, p.q(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`), file, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const jobColumns = `id, tenant, fingerprint, category, complexity, pipeline_version, descriptor, priority, requested_tier, chosen_tier, tier, downgraded, state, rationale, reason_code, reservation_json, dag_handle, checkpoint, retry_count, last_error, result, cache_token, wait_deadline, requested_at, started_at, updated_at`

func (p *SQLStore) CreateJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.RequestedAt.IsZero() {
		job.RequestedAt = now
	}
	job.UpdatedAt = now
	reservation, err := encodeReservation(job.Reservation)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.q(
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`),
		job.ID, job.Tenant, job.Fingerprint, job.Category, job.Complexity, job.PipelineVersion, job.Descriptor, job.Priority,
		tierText(job.RequestedTier), tierText(job.ChosenTier), tierText(job.Tier), job.Downgraded, string(job.State),
		job.Rationale, job.ReasonCode, reservation, job.DAGHandle, job.Checkpoint, job.RetryCount, job.LastError,
		job.Result, job.CacheToken, unixNano(job.WaitDeadline), unixNano(job.RequestedAt), unixNano(job.StartedAt), unixNano(job.UpdatedAt),
	)
	return err
}

func (p *SQLStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, p.q(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`), jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (p *SQLStore) UpdateJob(ctx context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	reservation, err := encodeReservation(job.Reservation)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, p.q(
		`UPDATE jobs SET chosen_tier=$1, tier=$2, downgraded=$3, state=$4, rationale=$5, reason_code=$6, reservation_json=$7,
		 dag_handle=$8, checkpoint=$9, retry_count=$10, last_error=$11, result=$12, cache_token=$13, wait_deadline=$14,
		 started_at=$15, updated_at=$16
		 WHERE id=$17`),
		tierText(job.ChosenTier), tierText(job.Tier), job.Downgraded, string(job.State), job.Rationale, job.ReasonCode, reservation,
		job.DAGHandle, job.Checkpoint, job.RetryCount, job.LastError, job.Result, job.CacheToken, unixNano(job.WaitDeadline),
		unixNano(job.StartedAt), unixNano(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (p *SQLStore) ListJobs(ctx context.Context, query JobQuery) ([]JobRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	where := []string{"1=1"}
	args := make([]any, 0, len(query.States)+2)
	argi := 1
	if query.Tenant != "" {
		where = append(where, fmt.Sprintf("tenant=$%d", argi))
		args = append(args, query.Tenant)
		argi++
	}
	if len(query.States) > 0 {
		in := make([]string, 0, len(query.States))
		for _, s := range query.States {
			in = append(in, fmt.Sprintf("$%d", argi))
			args = append(args, string(s))
			argi++
		}
		where = append(where, "state IN ("+strings.Join(in, ",")+")")
	}
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, p.q(fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY requested_at DESC, id DESC LIMIT $%d`,
		strings.Join(where, " AND "), argi,
	)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0, 16)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *SQLStore) CountJobsByTenantState(ctx context.Context, tenant string, states ...JobState) (int, error) {
	where := []string{"1=1"}
	args := make([]any, 0, len(states)+1)
	argi := 1
	if tenant != "" {
		where = append(where, fmt.Sprintf("tenant=$%d", argi))
		args = append(args, tenant)
		argi++
	}
	if len(states) > 0 {
		in := make([]string, 0, len(states))
		for _, s := range states {
			in = append(in, fmt.Sprintf("$%d", argi))
			args = append(args, string(s))
			argi++
		}
		where = append(where, "state IN ("+strings.Join(in, ",")+")")
	}
	var n int
	err := p.db.QueryRowContext(ctx, p.q(`SELECT COUNT(1) FROM jobs WHERE `+strings.Join(where, " AND ")), args...).Scan(&n)
	return n, err
}

func (p *SQLStore) AppendTransition(ctx context.Context, tr TransitionRecord) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, p.q(
		`INSERT INTO job_transitions (job_id, from_state, to_state, tier, reason, created_at) VALUES ($1,$2,$3,$4,$5,$6)`),
		tr.JobID, string(tr.From), string(tr.To), tierText(tr.Tier), tr.Reason, unixNano(tr.CreatedAt),
	)
	return err
}

func (p *SQLStore) ListTransitions(ctx context.Context, jobID string) ([]TransitionRecord, error) {
	rows, err := p.db.QueryContext(ctx, p.q(
		`SELECT id, job_id, from_state, to_state, tier, reason, created_at FROM job_transitions WHERE job_id=$1 ORDER BY id ASC`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TransitionRecord, 0, 8)
	for rows.Next() {
		var (
			tr            TransitionRecord
			from, to, tir string
			created       int64
		)
		if err := rows.Scan(&tr.ID, &tr.JobID, &from, &to, &tir, &tr.Reason, &created); err != nil {
			return nil, err
		}
		tr.From = JobState(from)
		tr.To = JobState(to)
		tr.Tier, _ = ParseTier(tir)
		tr.CreatedAt = fromUnixNano(created)
		out = append(out, tr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (JobRecord, error) {
	var (
		j                                    JobRecord
		requestedTier, chosenTier, tier, st  string
		reservationJSON                      string
		waitDeadline, requested, started, up int64
	)
	if err := s.Scan(&j.ID, &j.Tenant, &j.Fingerprint, &j.Category, &j.Complexity, &j.PipelineVersion, &j.Descriptor, &j.Priority,
		&requestedTier, &chosenTier, &tier, &j.Downgraded, &st, &j.Rationale, &j.ReasonCode, &reservationJSON,
		&j.DAGHandle, &j.Checkpoint, &j.RetryCount, &j.LastError, &j.Result, &j.CacheToken,
		&waitDeadline, &requested, &started, &up); err != nil {
		return JobRecord{}, err
	}
	j.RequestedTier, _ = ParseTier(requestedTier)
	j.ChosenTier, _ = ParseTier(chosenTier)
	j.Tier, _ = ParseTier(tier)
	j.State = JobState(st)
	if reservationJSON != "" {
		var r Reservation
		if err := json.Unmarshal([]byte(reservationJSON), &r); err != nil {
			return JobRecord{}, fmt.Errorf("decode reservation for job %s: %w", j.ID, err)
		}
		j.Reservation = &r
	}
	j.WaitDeadline = fromUnixNano(waitDeadline)
	j.RequestedAt = fromUnixNano(requested)
	j.StartedAt = fromUnixNano(started)
	j.UpdatedAt = fromUnixNano(up)
	return j, nil
}

func encodeReservation(r *Reservation) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func tierText(t Tier) string {
	if !t.Valid() {
		return ""
	}
	return t.String()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
