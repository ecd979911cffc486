// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node
// deployments of the control plane.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunStore     = (*Store)(nil)
	_ store.BuildStore   = (*Store)(nil)
	_ store.SessionStore = (*Store)(nil)
	_ store.EventStore   = (*Store)(nil)
	_ store.Store        = (*Store)(nil)
	_ store.Tx           = (*Tx)(nil)
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every store operation against a dbtx, so the same code
// serves the plain store and open transactions.
type queries struct {
	db dbtx
}

// Store is a SQLite storage backend.
type Store struct {
	queries
	sqlDB *sql.DB
}

// Tx is an open SQLite transaction.
type Tx struct {
	queries
	sqlTx *sql.Tx
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes. The single
	// writer also takes the place of row-level locks for read-then-mutate
	// sequences like tag allocation.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{queries: queries{db: db}, sqlDB: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.sqlDB.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			uuid TEXT PRIMARY KEY,
			project_uuid TEXT NOT NULL,
			pipeline_uuid TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			env TEXT,
			job_uuid TEXT,
			batch_index INTEGER DEFAULT 0,
			index_in_batch INTEGER DEFAULT 0,
			global_index INTEGER DEFAULT 0,
			parameters TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON pipeline_runs(project_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job ON pipeline_runs(job_uuid)`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			run_uuid TEXT NOT NULL,
			step_uuid TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			PRIMARY KEY (run_uuid, step_uuid),
			FOREIGN KEY (run_uuid) REFERENCES pipeline_runs(uuid) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS environment_image_builds (
			project_uuid TEXT NOT NULL,
			environment_uuid TEXT NOT NULL,
			tag INTEGER NOT NULL,
			correlation_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			source_path TEXT,
			requested_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			PRIMARY KEY (project_uuid, environment_uuid, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON environment_image_builds(status)`,
		`CREATE TABLE IF NOT EXISTS environment_images (
			project_uuid TEXT NOT NULL,
			environment_uuid TEXT NOT NULL,
			tag INTEGER NOT NULL,
			digest TEXT,
			pushed INTEGER DEFAULT 0,
			marked_for_removal INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (project_uuid, environment_uuid, tag)
		)`,
		`CREATE TABLE IF NOT EXISTS interactive_sessions (
			project_uuid TEXT NOT NULL,
			pipeline_uuid TEXT NOT NULL,
			status TEXT NOT NULL,
			services TEXT,
			container_ids TEXT,
			endpoints TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (project_uuid, pipeline_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.sqlDB.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{queries: queries{db: sqlTx}, sqlTx: sqlTx}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.sqlTx.Commit()
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.sqlTx.Rollback()
}

// terminalSet is the SQL guard shared by every status update: an entity
// already in one of these states rejects further transitions.
const terminalSet = `('SUCCESS','FAILURE','ABORTED')`

// CreateRun inserts a run together with its step rows.
func (q *queries) CreateRun(ctx context.Context, run *store.PipelineRun, steps []store.StepRun) error {
	envJSON, err := json.Marshal(run.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	query := `
		INSERT INTO pipeline_runs (uuid, project_uuid, pipeline_uuid, kind, status, env,
			job_uuid, batch_index, index_in_batch, global_index, parameters,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.db.ExecContext(ctx, query,
		run.UUID, run.ProjectUUID, run.PipelineUUID, string(run.Kind), string(run.Status),
		string(envJSON), nullString(run.JobUUID), run.BatchIndex, run.IndexInBatch,
		run.GlobalIndex, string(paramsJSON),
		run.CreatedAt.Format(time.RFC3339), formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, step := range steps {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO step_runs (run_uuid, step_uuid, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
			run.UUID, step.StepUUID, string(step.Status), formatTime(step.StartedAt), formatTime(step.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create step run %s: %w", step.StepUUID, err)
		}
	}

	return nil
}

// GetRun retrieves a run by UUID.
func (q *queries) GetRun(ctx context.Context, uuid string) (*store.PipelineRun, error) {
	query := `
		SELECT uuid, project_uuid, pipeline_uuid, kind, status, env,
			job_uuid, batch_index, index_in_batch, global_index, parameters,
			created_at, started_at, finished_at
		FROM pipeline_runs WHERE uuid = ?
	`
	run, err := scanRun(q.db.QueryRowContext(ctx, query, uuid))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.PipelineRun, error) {
	var run store.PipelineRun
	var kind, status string
	var envJSON, jobUUID, paramsJSON sql.NullString
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&run.UUID, &run.ProjectUUID, &run.PipelineUUID, &kind, &status, &envJSON,
		&jobUUID, &run.BatchIndex, &run.IndexInBatch, &run.GlobalIndex, &paramsJSON,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = store.RunKind(kind)
	run.Status = store.Status(status)
	if jobUUID.Valid {
		run.JobUUID = jobUUID.String
	}
	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &run.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env: %w", err)
		}
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)

	return &run, nil
}

// ListRuns lists runs with optional filtering.
func (q *queries) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.PipelineRun, error) {
	query := `
		SELECT uuid, project_uuid, pipeline_uuid, kind, status, env,
			job_uuid, batch_index, index_in_batch, global_index, parameters,
			created_at, started_at, finished_at
		FROM pipeline_runs WHERE 1=1
	`
	args := []any{}

	if filter.ProjectUUID != "" {
		query += " AND project_uuid = ?"
		args = append(args, filter.ProjectUUID)
	}
	if filter.PipelineUUID != "" {
		query += " AND pipeline_uuid = ?"
		args = append(args, filter.PipelineUUID)
	}
	if filter.JobUUID != "" {
		query += " AND job_uuid = ?"
		args = append(args, filter.JobUUID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus applies a guarded status transition. The WHERE clause
// filters out terminal rows so a delayed callback cannot resurrect a
// finished or cancelled run.
func (q *queries) UpdateRunStatus(ctx context.Context, uuid string, status store.Status, at time.Time) (bool, error) {
	var result sql.Result
	var err error

	switch {
	case status == store.StatusStarted:
		result, err = q.db.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, started_at = COALESCE(started_at, ?)
			 WHERE uuid = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), uuid,
		)
	case status.Terminal():
		result, err = q.db.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, finished_at = ?
			 WHERE uuid = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), uuid,
		)
	default:
		result, err = q.db.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ? WHERE uuid = ? AND status NOT IN `+terminalSet,
			string(status), uuid,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListStepRuns retrieves the step rows of a run.
func (q *queries) ListStepRuns(ctx context.Context, runUUID string) ([]store.StepRun, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT run_uuid, step_uuid, status, started_at, finished_at FROM step_runs WHERE run_uuid = ? ORDER BY step_uuid`,
		runUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}
	defer rows.Close()

	var steps []store.StepRun
	for rows.Next() {
		var step store.StepRun
		var status string
		var startedAt, finishedAt sql.NullString
		if err := rows.Scan(&step.RunUUID, &step.StepUUID, &status, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}
		step.Status = store.Status(status)
		step.StartedAt = parseTime(startedAt)
		step.FinishedAt = parseTime(finishedAt)
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// UpdateStepStatus applies a guarded per-step status transition.
func (q *queries) UpdateStepStatus(ctx context.Context, runUUID, stepUUID string, status store.Status, at time.Time) (bool, error) {
	var result sql.Result
	var err error

	switch {
	case status == store.StatusStarted:
		result, err = q.db.ExecContext(ctx,
			`UPDATE step_runs SET status = ?, started_at = COALESCE(started_at, ?)
			 WHERE run_uuid = ? AND step_uuid = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), runUUID, stepUUID,
		)
	case status.Terminal():
		result, err = q.db.ExecContext(ctx,
			`UPDATE step_runs SET status = ?, finished_at = ?
			 WHERE run_uuid = ? AND step_uuid = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), runUUID, stepUUID,
		)
	default:
		result, err = q.db.ExecContext(ctx,
			`UPDATE step_runs SET status = ? WHERE run_uuid = ? AND step_uuid = ? AND status NOT IN `+terminalSet,
			string(status), runUUID, stepUUID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update step status: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// DeleteRun deletes a run; step rows cascade.
func (q *queries) DeleteRun(ctx context.Context, uuid string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// CreateBuild inserts a new build row.
func (q *queries) CreateBuild(ctx context.Context, build *store.EnvironmentImageBuild) error {
	now := time.Now()
	if build.RequestedAt.IsZero() {
		build.RequestedAt = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO environment_image_builds (project_uuid, environment_uuid, tag, correlation_id,
			status, source_path, requested_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.ProjectUUID, build.EnvironmentUUID, build.Tag, build.CorrelationID,
		string(build.Status), nullString(build.SourcePath),
		build.RequestedAt.Format(time.RFC3339), formatTime(build.StartedAt), formatTime(build.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "build",
				Key:      fmt.Sprintf("%s/%s:%d", build.ProjectUUID, build.EnvironmentUUID, build.Tag),
				Message:  "build already exists",
			}
		}
		return fmt.Errorf("failed to create build: %w", err)
	}
	return nil
}

// GetBuild retrieves a build by its composite identity.
func (q *queries) GetBuild(ctx context.Context, key store.BuildKey, tag int) (*store.EnvironmentImageBuild, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT project_uuid, environment_uuid, tag, correlation_id, status, source_path,
			requested_at, started_at, finished_at
		FROM environment_image_builds WHERE project_uuid = ? AND environment_uuid = ? AND tag = ?`,
		key.ProjectUUID, key.EnvironmentUUID, tag,
	)
	build, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "build", ID: fmt.Sprintf("%s/%s:%d", key.ProjectUUID, key.EnvironmentUUID, tag)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return build, nil
}

func scanBuild(row rowScanner) (*store.EnvironmentImageBuild, error) {
	var build store.EnvironmentImageBuild
	var status string
	var sourcePath sql.NullString
	var requestedAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&build.ProjectUUID, &build.EnvironmentUUID, &build.Tag, &build.CorrelationID,
		&status, &sourcePath, &requestedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	build.Status = store.Status(status)
	if sourcePath.Valid {
		build.SourcePath = sourcePath.String
	}
	build.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	build.StartedAt = parseTime(startedAt)
	build.FinishedAt = parseTime(finishedAt)

	return &build, nil
}

// ListActiveBuilds returns the PENDING/STARTED builds for key.
func (q *queries) ListActiveBuilds(ctx context.Context, key store.BuildKey) ([]*store.EnvironmentImageBuild, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT project_uuid, environment_uuid, tag, correlation_id, status, source_path,
			requested_at, started_at, finished_at
		FROM environment_image_builds
		WHERE project_uuid = ? AND environment_uuid = ? AND status IN ('PENDING','STARTED')
		ORDER BY tag`,
		key.ProjectUUID, key.EnvironmentUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active builds: %w", err)
	}
	defer rows.Close()

	var builds []*store.EnvironmentImageBuild
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, build)
	}

	return builds, rows.Err()
}

// NextBuildTag returns 1 + the highest existing tag for key, or 1.
func (q *queries) NextBuildTag(ctx context.Context, key store.BuildKey) (int, error) {
	var next int
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(tag), 0) + 1 FROM environment_image_builds WHERE project_uuid = ? AND environment_uuid = ?`,
		key.ProjectUUID, key.EnvironmentUUID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate build tag: %w", err)
	}
	return next, nil
}

// UpdateBuildStatus applies a guarded status transition keyed by correlation ID.
func (q *queries) UpdateBuildStatus(ctx context.Context, correlationID string, status store.Status, at time.Time) (bool, error) {
	var result sql.Result
	var err error

	switch {
	case status == store.StatusStarted:
		result, err = q.db.ExecContext(ctx,
			`UPDATE environment_image_builds SET status = ?, started_at = COALESCE(started_at, ?)
			 WHERE correlation_id = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), correlationID,
		)
	case status.Terminal():
		result, err = q.db.ExecContext(ctx,
			`UPDATE environment_image_builds SET status = ?, finished_at = ?
			 WHERE correlation_id = ? AND status NOT IN `+terminalSet,
			string(status), at.Format(time.RFC3339), correlationID,
		)
	default:
		result, err = q.db.ExecContext(ctx,
			`UPDATE environment_image_builds SET status = ? WHERE correlation_id = ? AND status NOT IN `+terminalSet,
			string(status), correlationID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update build status: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// DeleteBuilds deletes all build rows for key.
func (q *queries) DeleteBuilds(ctx context.Context, key store.BuildKey) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM environment_image_builds WHERE project_uuid = ? AND environment_uuid = ?`,
		key.ProjectUUID, key.EnvironmentUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete builds: %w", err)
	}
	return nil
}

// DeleteProjectBuilds deletes all build rows for a project.
func (q *queries) DeleteProjectBuilds(ctx context.Context, projectUUID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM environment_image_builds WHERE project_uuid = ?`, projectUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete project builds: %w", err)
	}
	return nil
}

// CreateImage inserts the immutable image record of a successful build.
func (q *queries) CreateImage(ctx context.Context, image *store.EnvironmentImage) error {
	now := time.Now()
	if image.CreatedAt.IsZero() {
		image.CreatedAt = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO environment_images (project_uuid, environment_uuid, tag, digest, pushed, marked_for_removal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		image.ProjectUUID, image.EnvironmentUUID, image.Tag, nullString(image.Digest),
		boolInt(image.PushedToRegistry), boolInt(image.MarkedForRemoval),
		image.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

// LatestImage returns the highest-tag image for key.
func (q *queries) LatestImage(ctx context.Context, key store.BuildKey) (*store.EnvironmentImage, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT project_uuid, environment_uuid, tag, digest, pushed, marked_for_removal, created_at
		FROM environment_images WHERE project_uuid = ? AND environment_uuid = ?
		ORDER BY tag DESC LIMIT 1`,
		key.ProjectUUID, key.EnvironmentUUID,
	)

	var image store.EnvironmentImage
	var digest sql.NullString
	var pushed, marked int
	var createdAt string

	err := row.Scan(&image.ProjectUUID, &image.EnvironmentUUID, &image.Tag, &digest, &pushed, &marked, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "image", ID: key.ProjectUUID + "/" + key.EnvironmentUUID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest image: %w", err)
	}

	if digest.Valid {
		image.Digest = digest.String
	}
	image.PushedToRegistry = pushed == 1
	image.MarkedForRemoval = marked == 1
	image.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &image, nil
}

// CountActiveBuilds returns the number of PENDING/STARTED builds overall.
func (q *queries) CountActiveBuilds(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM environment_image_builds WHERE status IN ('PENDING','STARTED')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active builds: %w", err)
	}
	return count, nil
}

// CountImagesPendingPush returns the number of images not yet pushed.
func (q *queries) CountImagesPendingPush(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM environment_images WHERE pushed = 0`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count images pending push: %w", err)
	}
	return count, nil
}

// MarkImagePushed flips the pushed flag for an image.
func (q *queries) MarkImagePushed(ctx context.Context, key store.BuildKey, tag int) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE environment_images SET pushed = 1 WHERE project_uuid = ? AND environment_uuid = ? AND tag = ?`,
		key.ProjectUUID, key.EnvironmentUUID, tag,
	)
	if err != nil {
		return fmt.Errorf("failed to mark image pushed: %w", err)
	}
	return nil
}

// CreateSession inserts a session row; the primary key enforces the
// one-session-per-pipeline invariant.
func (q *queries) CreateSession(ctx context.Context, session *store.InteractiveSession) error {
	servicesJSON, err := json.Marshal(session.ServicesJSON)
	if err != nil {
		return fmt.Errorf("failed to marshal services: %w", err)
	}
	containerJSON, err := json.Marshal(session.ContainerIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal container ids: %w", err)
	}
	endpointsJSON, err := json.Marshal(session.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO interactive_sessions (project_uuid, pipeline_uuid, status, services, container_ids, endpoints, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ProjectUUID, session.PipelineUUID, string(session.Status),
		string(servicesJSON), string(containerJSON), string(endpointsJSON),
		session.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "session",
				Key:      session.Identity().String(),
				Message:  "a session already exists for this pipeline",
			}
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by identity.
func (q *queries) GetSession(ctx context.Context, identity store.SessionIdentity) (*store.InteractiveSession, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT project_uuid, pipeline_uuid, status, services, container_ids, endpoints, created_at
		FROM interactive_sessions WHERE project_uuid = ? AND pipeline_uuid = ?`,
		identity.ProjectUUID, identity.PipelineUUID,
	)

	var session store.InteractiveSession
	var status string
	var servicesJSON, containerJSON, endpointsJSON sql.NullString
	var createdAt string

	err := row.Scan(&session.ProjectUUID, &session.PipelineUUID, &status,
		&servicesJSON, &containerJSON, &endpointsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "session", ID: identity.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.Status = store.SessionStatus(status)
	if servicesJSON.Valid && servicesJSON.String != "" {
		if err := json.Unmarshal([]byte(servicesJSON.String), &session.ServicesJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal services: %w", err)
		}
	}
	if containerJSON.Valid && containerJSON.String != "" {
		if err := json.Unmarshal([]byte(containerJSON.String), &session.ContainerIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal container ids: %w", err)
		}
	}
	if endpointsJSON.Valid && endpointsJSON.String != "" {
		if err := json.Unmarshal([]byte(endpointsJSON.String), &session.Endpoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal endpoints: %w", err)
		}
	}
	session.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &session, nil
}

// UpdateSessionStatus applies a session status transition.
func (q *queries) UpdateSessionStatus(ctx context.Context, identity store.SessionIdentity, status store.SessionStatus) (bool, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE interactive_sessions SET status = ? WHERE project_uuid = ? AND pipeline_uuid = ?`,
		string(status), identity.ProjectUUID, identity.PipelineUUID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// UpdateSessionRuntime records container identifiers and endpoints.
func (q *queries) UpdateSessionRuntime(ctx context.Context, identity store.SessionIdentity, containerIDs, endpoints map[string]string) error {
	containerJSON, err := json.Marshal(containerIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal container ids: %w", err)
	}
	endpointsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE interactive_sessions SET container_ids = ?, endpoints = ? WHERE project_uuid = ? AND pipeline_uuid = ?`,
		string(containerJSON), string(endpointsJSON), identity.ProjectUUID, identity.PipelineUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session runtime: %w", err)
	}
	return nil
}

// DeleteSession removes the session row. Idempotent on not-found.
func (q *queries) DeleteSession(ctx context.Context, identity store.SessionIdentity) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM interactive_sessions WHERE project_uuid = ? AND pipeline_uuid = ?`,
		identity.ProjectUUID, identity.PipelineUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AppendEvent records a state transition.
func (q *queries) AppendEvent(ctx context.Context, eventType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO events (type, payload, created_at) VALUES (?, ?, ?)`,
		eventType, string(payloadJSON), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (q *queries) ListEvents(ctx context.Context, limit int) ([]*store.Event, error) {
	query := `SELECT id, type, payload, created_at FROM events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var event store.Event
		var payloadJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&event.ID, &event.Type, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		event.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, &event)
	}

	return events, rows.Err()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// parseTime converts a nullable RFC3339 string back to *time.Time.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolInt converts a bool to the 0/1 SQLite stores it as.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects SQLite primary-key/unique constraint errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
