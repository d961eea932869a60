package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/confdeploy/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
//
// Entities are stored as JSON documents next to the few columns that queries
// filter or sort on.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own empty database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and applies connection PRAGMAs.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixNano()
	}
	return t.UnixNano()
}

// CreateVersion stores a version and its content in one transaction.
func (s *SQLiteStore) CreateVersion(ctx context.Context, v *engine.ConfigVersion) error {
	doc := *v
	doc.DeployedTo = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode version: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var archivedAt sql.NullInt64
	if v.ArchivedAt != nil {
		archivedAt = sql.NullInt64{Int64: v.ArchivedAt.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (id, config_name, config_type, content_hash, parent_version_id, data, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.ConfigName,
		v.ConfigType,
		v.ContentHash,
		nullString(v.ParentVersionID),
		string(data),
		unixNano(v.CreatedAt),
		archivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}

	content := v.Content
	if content == nil {
		content = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO version_contents (version_id, content) VALUES (?, ?)`, v.ID, content); err != nil {
		return fmt.Errorf("failed to store version content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version by ID including its content and deployments.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*engine.ConfigVersion, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM config_versions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	v := &engine.ConfigVersion{}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("failed to decode version %s: %w", id, err)
	}

	var content []byte
	err = s.db.QueryRowContext(ctx, `SELECT content FROM version_contents WHERE version_id = ?`, id).Scan(&content)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get version content: %w", err)
	}
	v.Content = content

	deployedTo, err := s.listVersionDeployments(ctx, id)
	if err != nil {
		return nil, err
	}
	v.DeployedTo = deployedTo

	return v, nil
}

// ListVersions returns the versions of one configuration, newest first.
// Content is not loaded.
func (s *SQLiteStore) ListVersions(ctx context.Context, configName string, includeArchived bool) ([]*engine.ConfigVersion, error) {
	query := `SELECT data FROM config_versions WHERE config_name = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	return s.queryVersions(ctx, query, configName)
}

// ListAllVersions returns every stored version in creation order. Content is not loaded.
func (s *SQLiteStore) ListAllVersions(ctx context.Context) ([]*engine.ConfigVersion, error) {
	return s.queryVersions(ctx, `SELECT data FROM config_versions ORDER BY created_at ASC, rowid ASC`)
}

func (s *SQLiteStore) queryVersions(ctx context.Context, query string, args ...interface{}) ([]*engine.ConfigVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	var versions []*engine.ConfigVersion
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v := &engine.ConfigVersion{}
		if err := json.Unmarshal([]byte(data), v); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to decode version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	_ = rows.Close()

	// Deployments are loaded after the cursor is closed; an in-memory
	// database runs on a single connection.
	for _, v := range versions {
		deployedTo, err := s.listVersionDeployments(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		v.DeployedTo = deployedTo
	}

	return versions, nil
}

func (s *SQLiteStore) listVersionDeployments(ctx context.Context, versionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id FROM version_deployments
		WHERE version_id = ?
		ORDER BY deployed_at ASC, rowid ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list version deployments: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var targetID string
		if err := rows.Scan(&targetID); err != nil {
			return nil, fmt.Errorf("failed to scan version deployment: %w", err)
		}
		targets = append(targets, targetID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version deployments: %w", err)
	}
	return targets, nil
}

// ArchiveVersion stamps the version as archived.
func (s *SQLiteStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM config_versions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	v := &engine.ConfigVersion{}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode version %s: %w", id, err)
	}
	v.ArchivedAt = &at
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET data = ?, archived_at = ? WHERE id = ?`,
		string(encoded), at.UnixNano(), id,
	); err != nil {
		return fmt.Errorf("failed to archive version: %w", err)
	}

	return tx.Commit()
}

// AddVersionDeployment records that a version reached a target.
// It reports false when the pair was already recorded.
func (s *SQLiteStore) AddVersionDeployment(ctx context.Context, versionID, targetID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO version_deployments (version_id, target_id, deployed_at)
		VALUES (?, ?, ?)
	`, versionID, targetID, unixNano(at))
	if err != nil {
		return false, fmt.Errorf("failed to record version deployment: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertTarget creates or replaces a target.
func (s *SQLiteStore) UpsertTarget(ctx context.Context, t *engine.Target) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO targets (id, address, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		t.ID,
		t.Address,
		string(data),
		unixNano(t.CreatedAt),
		unixNano(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by ID.
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*engine.Target, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM targets WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	t := &engine.Target{}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return nil, fmt.Errorf("failed to decode target %s: %w", id, err)
	}
	return t, nil
}

// ListTargets returns every target in registration order.
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]*engine.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM targets ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*engine.Target
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t := &engine.Target{}
		if err := json.Unmarshal([]byte(data), t); err != nil {
			return nil, fmt.Errorf("failed to decode target: %w", err)
		}
		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// DeleteTarget deletes a target.
func (s *SQLiteStore) DeleteTarget(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpsertGroup creates or replaces a target group.
func (s *SQLiteStore) UpsertGroup(ctx context.Context, g *engine.TargetGroup) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO target_groups (id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		g.ID,
		string(data),
		unixNano(g.CreatedAt),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}
	return nil
}

// ListGroups returns every group in creation order.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*engine.TargetGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM target_groups ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*engine.TargetGroup
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g := &engine.TargetGroup{}
		if err := json.Unmarshal([]byte(data), g); err != nil {
			return nil, fmt.Errorf("failed to decode group: %w", err)
		}
		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// SaveJob creates or updates a job. Records are persisted separately through SaveRecord.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *engine.BatchDeploymentJob) error {
	doc := *job
	doc.Records = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, config_type, config_version_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		job.ID,
		string(job.Status),
		job.ConfigType,
		job.ConfigVersionID,
		string(data),
		unixNano(job.CreatedAt),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job with its records.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.BatchDeploymentJob, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := &engine.BatchDeploymentJob{}
	if err := json.Unmarshal([]byte(data), job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	records, err := s.ListRecordsByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Records = records

	return job, nil
}

// ListJobs lists jobs newest first, without records.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*engine.BatchDeploymentJob, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM jobs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*engine.BatchDeploymentJob
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job := &engine.BatchDeploymentJob{}
		if err := json.Unmarshal([]byte(data), job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// SaveRecord creates or updates a deployment record. The owning job must exist.
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *engine.DeploymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployment_records (id, job_id, target_id, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.JobID,
		record.TargetID,
		string(record.Status),
		string(data),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// ListRecordsByJob returns the records of a job in creation order.
func (s *SQLiteStore) ListRecordsByJob(ctx context.Context, jobID string) ([]*engine.DeploymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM deployment_records
		WHERE job_id = ?
		ORDER BY rowid ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := make([]*engine.DeploymentRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r := &engine.DeploymentRecord{}
		if err := json.Unmarshal([]byte(data), r); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// AppendEvent appends an event to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, sequence, type, source, job_id, target_id, record_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		int64(event.Sequence),
		event.Type,
		nullString(event.Source),
		nullString(event.JobID),
		nullString(event.TargetID),
		nullString(event.RecordID),
		event.Level,
		event.Message,
		nullString(event.Data),
		unixNano(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events in append order with optional filters.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error) {
	query := `
		SELECT id, sequence, type, source, job_id, target_id, record_id, level, message, data, timestamp
		FROM events
		WHERE 1=1
	`
	args := []interface{}{}

	if q.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, q.JobID)
	}
	if q.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, q.TargetID)
	}
	if q.Level != "" {
		query += " AND level = ?"
		args = append(args, q.Level)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY seq ASC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var (
			e                                    EventRecord
			sequence, ts                         int64
			source, jobID, targetID, recordID, d sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&sequence,
			&e.Type,
			&source,
			&jobID,
			&targetID,
			&recordID,
			&e.Level,
			&e.Message,
			&d,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Sequence = uint64(sequence)
		e.Source = source.String
		e.JobID = jobID.String
		e.TargetID = targetID.String
		e.RecordID = recordID.String
		e.Data = d.String
		e.Timestamp = time.Unix(0, ts)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Try a simple query
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}
