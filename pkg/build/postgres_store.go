package build

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds and their logs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    project_name TEXT NOT NULL,
    package_name TEXT NOT NULL,
    build_number INTEGER NOT NULL,
    version TEXT NOT NULL,
    build_type TEXT NOT NULL,
    status TEXT NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    duration_seconds BIGINT,
    artifact_path TEXT,
    artifact_size BIGINT,
    flutter_version TEXT,
    dart_version TEXT,
    error_message TEXT,
    build_output TEXT
);
CREATE TABLE IF NOT EXISTS build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
    level TEXT NOT NULL,
    stage TEXT NOT NULL,
    message TEXT NOT NULL,
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_build_logs_build ON build_logs(build_id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const buildColumns = `id, project_id, project_name, package_name, build_number, version, build_type,
status, progress, created_at, started_at, completed_at, duration_seconds,
artifact_path, artifact_size, flutter_version, dart_version, error_message, build_output`

func (s *PostgresStore) Create(b Build) error {
	query := `INSERT INTO builds (` + buildColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	_, err := s.db.Exec(query,
		b.ID, b.ProjectID, b.ProjectName, b.PackageName, b.BuildNumber, b.Version, b.BuildType,
		b.Status, b.Progress, b.CreatedAt, b.StartedAt, b.CompletedAt, b.DurationSeconds,
		nullStr(b.ArtifactPath), nullInt(b.ArtifactSize), nullStr(b.FlutterVersion),
		nullStr(b.DartVersion), nullStr(b.ErrorMessage), nullStr(b.BuildOutput),
	)
	return err
}

func (s *PostgresStore) Get(id string) (Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id=$1`, id)
	return scanBuild(row)
}

func (s *PostgresStore) Update(id string, fn func(*Build) error) (Build, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Build{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBuild(row)
	if err != nil {
		return Build{}, err
	}

	if err := applyUpdate(&b, fn); err != nil {
		return Build{}, err
	}

	_, err = tx.Exec(`UPDATE builds SET
status=$1, progress=$2, started_at=$3, completed_at=$4, duration_seconds=$5,
artifact_path=$6, artifact_size=$7, flutter_version=$8, dart_version=$9,
error_message=$10, build_output=$11
WHERE id=$12`,
		b.Status, b.Progress, b.StartedAt, b.CompletedAt, b.DurationSeconds,
		nullStr(b.ArtifactPath), nullInt(b.ArtifactSize), nullStr(b.FlutterVersion),
		nullStr(b.DartVersion), nullStr(b.ErrorMessage), nullStr(b.BuildOutput), b.ID,
	)
	if err != nil {
		return Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return Build{}, err
	}
	return b, nil
}

func (s *PostgresStore) List() ([]Build, error) {
	rows, err := s.db.Query(`SELECT ` + buildColumns + ` FROM builds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBuilds(rows)
}

func (s *PostgresStore) ListByStatus(statuses ...Status) ([]Build, error) {
	args := make([]any, len(statuses))
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	rows, err := s.db.Query(`SELECT `+buildColumns+` FROM builds WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBuilds(rows)
}

func (s *PostgresStore) NextBuildNumber(projectID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(build_number) FROM builds WHERE project_id=$1`, projectID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (s *PostgresStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM builds WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendLog(entry LogEntry) error {
	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal log details: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO build_logs (build_id, level, stage, message, details) VALUES ($1,$2,$3,$4,$5)`,
		entry.BuildID, entry.Level, entry.Stage, entry.Message, details,
	)
	return err
}

func (s *PostgresStore) Logs(buildID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT id, build_id, level, stage, message, details, created_at
FROM build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, buildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

func (s *PostgresStore) RecentLogs(buildID string, n int) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, build_id, level, stage, message, details, created_at
FROM build_logs WHERE build_id=$1 ORDER BY id DESC LIMIT $2`, buildID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	var artifactPath, flutterVersion, dartVersion, errMsg, output sql.NullString
	var artifactSize, duration sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.ProjectID, &b.ProjectName, &b.PackageName, &b.BuildNumber, &b.Version, &b.BuildType,
		&b.Status, &b.Progress, &b.CreatedAt, &startedAt, &completedAt, &duration,
		&artifactPath, &artifactSize, &flutterVersion, &dartVersion, &errMsg, &output,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Build{}, ErrNotFound
		}
		return Build{}, err
	}

	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		b.DurationSeconds = &duration.Int64
	}
	b.ArtifactPath = artifactPath.String
	b.ArtifactSize = artifactSize.Int64
	b.FlutterVersion = flutterVersion.String
	b.DartVersion = dartVersion.String
	b.ErrorMessage = errMsg.String
	b.BuildOutput = output.String
	return b, nil
}

func scanBuilds(rows *sql.Rows) ([]Build, error) {
	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func scanLogs(rows *sql.Rows) ([]LogEntry, error) {
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Level, &e.Stage, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode log details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
