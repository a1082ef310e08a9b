// Package sqlite provides the SQLite-backed provenance store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/louisbranch/seg3d/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/storage/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store persists provenance steps in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ provenance.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite provenance store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryPath {
		// Every pooled connection would get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendProvenance inserts one step. Appending an existing step id replaces
// the row, so writing the same step twice is harmless.
func (s *Store) AppendProvenance(ctx context.Context, rec provenance.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if rec.StepID <= 0 {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(rec.Command) == "" {
		return fmt.Errorf("command is required")
	}
	inputs, err := encodeIDs(rec.Inputs)
	if err != nil {
		return err
	}
	outputs, err := encodeIDs(rec.Outputs)
	if err != nil {
		return err
	}
	recordedAt := rec.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO provenance_steps (
		   step_id,
		   command,
		   inputs,
		   outputs,
		   source,
		   recorded_at
		 ) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.StepID,
		rec.Command,
		inputs,
		outputs,
		rec.Source.String(),
		toMillis(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("append provenance step %d: %w", rec.StepID, err)
	}
	return nil
}

// DeleteProvenance removes one step. Deleting a missing step is not an error.
func (s *Store) DeleteProvenance(ctx context.Context, stepID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM provenance_steps WHERE step_id = ?`, stepID); err != nil {
		return fmt.Errorf("delete provenance step %d: %w", stepID, err)
	}
	return nil
}

// ListProvenance returns every step in step order.
func (s *Store) ListProvenance(ctx context.Context) ([]provenance.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT step_id, command, inputs, outputs, source, recorded_at
		   FROM provenance_steps
		  ORDER BY step_id`)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	var records []provenance.Record
	for rows.Next() {
		var (
			rec             provenance.Record
			inputs, outputs string
			source          string
			recordedAt      int64
		)
		if err := rows.Scan(&rec.StepID, &rec.Command, &inputs, &outputs, &source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan provenance step: %w", err)
		}
		if rec.Inputs, err = decodeIDs(inputs); err != nil {
			return nil, fmt.Errorf("step %d inputs: %w", rec.StepID, err)
		}
		if rec.Outputs, err = decodeIDs(outputs); err != nil {
			return nil, fmt.Errorf("step %d outputs: %w", rec.StepID, err)
		}
		rec.Source, _ = action.ParseSource(source)
		rec.Timestamp = fromMillis(recordedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance: %w", err)
	}
	return records, nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(raw string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}
