package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// Experiment is a metadata record. Its presence does not imply device
// tables exist: metadata can be created by a management call before any
// device ever writes, and it can outlive dropped tables.
type Experiment struct {
	ID         string    `json:"id"`
	PrettyName string    `json:"pretty_name"`
	IsPublic   bool      `json:"is_public"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EnsureExperiment idempotently inserts a metadata record for the
// experiment, private by default, with the id doubling as pretty name.
func (s *Storage) EnsureExperiment(ctx context.Context, expID string) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO experiments (id, pretty_name, is_public) VALUES (?, ?, false) ON CONFLICT (id) DO NOTHING",
		expID, expID,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure experiment %q: %w", expID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("created experiment metadata: %s (private by default)", expID)
	}
	return nil
}

// GetExperiment returns the metadata record for an experiment.
func (s *Storage) GetExperiment(ctx context.Context, expID string) (*Experiment, error) {
	var exp Experiment
	err := s.db.QueryRowContext(ctx,
		"SELECT id, pretty_name, is_public, created_at, updated_at FROM experiments WHERE id = ?",
		expID,
	).Scan(&exp.ID, &exp.PrettyName, &exp.IsPublic, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment %q: %w", expID, err)
	}
	return &exp, nil
}

// ExperimentIsPublic returns the public flag of an experiment.
func (s *Storage) ExperimentIsPublic(ctx context.Context, expID string) (bool, error) {
	var isPublic bool
	err := s.db.QueryRowContext(ctx,
		"SELECT is_public FROM experiments WHERE id = ?", expID,
	).Scan(&isPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrExperimentNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read public flag for %q: %w", expID, err)
	}
	return isPublic, nil
}

// ListExperiments returns metadata records, newest first. With
// publicOnly set, private experiments are filtered out.
func (s *Storage) ListExperiments(ctx context.Context, publicOnly bool) ([]Experiment, error) {
	query := "SELECT id, pretty_name, is_public, created_at, updated_at FROM experiments ORDER BY created_at DESC"
	if publicOnly {
		query = "SELECT id, pretty_name, is_public, created_at, updated_at FROM experiments WHERE is_public = true ORDER BY created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []Experiment
	for rows.Next() {
		var exp Experiment
		if err := rows.Scan(&exp.ID, &exp.PrettyName, &exp.IsPublic, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

// ExperimentUpdate carries the mutable metadata fields; nil means leave
// unchanged.
type ExperimentUpdate struct {
	PrettyName *string
	IsPublic   *bool
}

// IsEmpty reports whether the update changes nothing.
func (u ExperimentUpdate) IsEmpty() bool {
	return u.PrettyName == nil && u.IsPublic == nil
}

// UpdateExperiment applies a partial update to the metadata record and
// bumps updated_at. Returns ErrExperimentNotFound for unknown ids.
func (s *Storage) UpdateExperiment(ctx context.Context, expID string, update ExperimentUpdate) (*Experiment, error) {
	fields := []string{}
	args := []any{}

	if update.PrettyName != nil {
		fields = append(fields, "pretty_name = ?")
		args = append(args, *update.PrettyName)
	}
	if update.IsPublic != nil {
		fields = append(fields, "is_public = ?")
		args = append(args, *update.IsPublic)
	}
	fields = append(fields, "updated_at = current_timestamp")
	args = append(args, expID)

	query := "UPDATE experiments SET " + joinFields(fields) + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update experiment %q: %w", expID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrExperimentNotFound
	}

	return s.GetExperiment(ctx, expID)
}

func joinFields(fields []string) string {
	out := fields[0]
	for _, f := range fields[1:] {
		out += ", " + f
	}
	return out
}

// ColumnInfo describes one data column of a device's typed table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExperimentDetail aggregates metadata with per-table record counts and
// the union of data columns across all device tables.
type ExperimentDetail struct {
	Experiment
	DeviceIDs     []string
	TypedRecords  int64
	BackupRecords int64
	Columns       []ColumnInfo
}

// ExperimentDetailFor builds the aggregated view of an experiment.
// Per-device count or column failures are logged and skipped so one
// broken table doesn't hide the rest.
func (s *Storage) ExperimentDetailFor(ctx context.Context, expID string) (*ExperimentDetail, error) {
	exp, err := s.GetExperiment(ctx, expID)
	if err != nil {
		return nil, err
	}

	deviceIDs, err := s.ListDeviceIDs(ctx, expID)
	if err != nil {
		return nil, err
	}

	detail := &ExperimentDetail{Experiment: *exp, DeviceIDs: deviceIDs}
	seen := make(map[ColumnInfo]struct{})

	for _, deviceID := range deviceIDs {
		typed := TypedTableName(expID, deviceID)
		backup := BackupTableName(expID, deviceID)

		if n, err := s.countRows(ctx, typed); err != nil {
			log.Printf("failed to count records in %s: %v", typed, err)
		} else {
			detail.TypedRecords += n
		}
		if n, err := s.countRows(ctx, backup); err != nil {
			log.Printf("failed to count records in %s: %v", backup, err)
		} else {
			detail.BackupRecords += n
		}

		cols, err := s.dataColumns(ctx, typed)
		if err != nil {
			log.Printf("failed to get columns for %s: %v", typed, err)
			continue
		}
		for _, col := range cols {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				detail.Columns = append(detail.Columns, col)
			}
		}
	}

	sortColumns(detail.Columns)
	return detail, nil
}

func sortColumns(cols []ColumnInfo) {
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Name != cols[j].Name {
			return cols[i].Name < cols[j].Name
		}
		return cols[i].Type < cols[j].Type
	})
}

// dataColumns lists a typed table's columns excluding the reserved ones.
func (s *Storage) dataColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = ?
		  AND column_name NOT IN ('id', 'device_id', 'timestamp')
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}
