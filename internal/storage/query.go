package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Concurrent device-table reads during an all-devices query.
const queryFanout = 4

// QueryResult holds the rows of one device read. Backup is nil unless
// backup inclusion was requested.
type QueryResult struct {
	Data        []map[string]any `json:"data"`
	RecordCount int              `json:"record_count"`
	Backup      *BackupResult    `json:"-"`
}

// BackupResult holds the raw-payload rows of a backup table.
type BackupResult struct {
	Data        []map[string]any `json:"backup_data"`
	RecordCount int              `json:"backup_record_count"`
}

// ExperimentResult holds the merged rows of every device of an
// experiment, re-sorted chronologically.
type ExperimentResult struct {
	DeviceIDs []string
	QueryResult
}

// ReadDeviceData reads all rows of one device in insertion order.
// Returns ErrExperimentNotFound / ErrDeviceNotFound for unknown ids.
func (s *Storage) ReadDeviceData(ctx context.Context, expID, deviceID string, includeBackup bool) (*QueryResult, error) {
	exists, err := s.ExperimentExists(ctx, expID)
	if err != nil {
		return nil, NewInfrastructureError("failed to check experiment", err)
	}
	if !exists {
		return nil, ErrExperimentNotFound
	}

	tableExists, err := s.DeviceTableExists(ctx, expID, deviceID)
	if err != nil {
		return nil, NewInfrastructureError("failed to check device table", err)
	}
	if !tableExists {
		return nil, ErrDeviceNotFound
	}

	result := &QueryResult{Data: []map[string]any{}}

	rows, err := s.readTypedRows(ctx, TypedTableName(expID, deviceID))
	if err != nil {
		return nil, NewInfrastructureError("failed to read typed rows", err)
	}
	result.Data = rows
	result.RecordCount = len(rows)

	if includeBackup {
		backupRows, err := s.readBackupRows(ctx, BackupTableName(expID, deviceID))
		if err != nil {
			return nil, NewInfrastructureError("failed to read backup rows", err)
		}
		result.Backup = &BackupResult{Data: backupRows, RecordCount: len(backupRows)}
	}

	return result, nil
}

// ReadExperimentData reads and merges all rows of every device of an
// experiment. Insertion order only holds within one device's table, so
// the merged collection is re-sorted by timestamp for cross-device
// chronological consistency. Per-device read failures are logged and
// skipped.
func (s *Storage) ReadExperimentData(ctx context.Context, expID string, includeBackup bool) (*ExperimentResult, error) {
	exists, err := s.ExperimentExists(ctx, expID)
	if err != nil {
		return nil, NewInfrastructureError("failed to check experiment", err)
	}
	if !exists {
		return nil, ErrExperimentNotFound
	}

	deviceIDs, err := s.ListDeviceIDs(ctx, expID)
	if err != nil {
		return nil, NewInfrastructureError("failed to list devices", err)
	}

	result := &ExperimentResult{DeviceIDs: deviceIDs}
	result.Data = []map[string]any{}
	if includeBackup {
		result.Backup = &BackupResult{Data: []map[string]any{}}
	}
	if len(deviceIDs) == 0 {
		result.DeviceIDs = []string{}
		return result, nil
	}

	type deviceRows struct {
		typed  []map[string]any
		backup []map[string]any
	}
	perDevice := make([]deviceRows, len(deviceIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryFanout)
	for i, deviceID := range deviceIDs {
		i, deviceID := i, deviceID
		g.Go(func() error {
			typed := TypedTableName(expID, deviceID)

			rows, err := s.readTypedRows(gctx, typed)
			if err != nil {
				log.Printf("failed to query typed table %s: %v", typed, err)
			} else {
				perDevice[i].typed = rows
			}

			if includeBackup {
				backup := BackupTableName(expID, deviceID)
				backupRows, err := s.readBackupRows(gctx, backup)
				if err != nil {
					log.Printf("failed to query backup table %s: %v", backup, err)
				} else {
					perDevice[i].backup = backupRows
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, NewInfrastructureError("failed to read experiment data", err)
	}

	for _, rows := range perDevice {
		result.Data = append(result.Data, rows.typed...)
		if includeBackup {
			result.Backup.Data = append(result.Backup.Data, rows.backup...)
		}
	}

	sortByTimestamp(result.Data)
	result.RecordCount = len(result.Data)
	if includeBackup {
		sortByTimestamp(result.Backup.Data)
		result.Backup.RecordCount = len(result.Backup.Data)
	}

	return result, nil
}

// readTypedRows reads every row of a typed table in row-id order,
// scanning each into a column-keyed map.
func (s *Storage) readTypedRows(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s" ORDER BY id ASC`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// readBackupRows reads every row of a backup table in row-id order. The
// stored payload is returned as raw JSON so responses embed the original
// document, not a quoted string.
func (s *Storage) readBackupRows(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, device_id, timestamp, raw_data FROM "%s" ORDER BY id ASC`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []map[string]any{}
	for rows.Next() {
		var (
			id        int64
			deviceID  string
			timestamp time.Time
			rawData   string
		)
		if err := rows.Scan(&id, &deviceID, &timestamp, &rawData); err != nil {
			return nil, err
		}
		results = append(results, map[string]any{
			"id":        id,
			"device_id": deviceID,
			"timestamp": timestamp,
			"raw_data":  json.RawMessage(rawData),
		})
	}
	return results, rows.Err()
}

func sortByTimestamp(rows []map[string]any) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rowTimestamp(rows[i]).Before(rowTimestamp(rows[j]))
	})
}

func rowTimestamp(row map[string]any) time.Time {
	if ts, ok := row["timestamp"].(time.Time); ok {
		return ts
	}
	return time.Time{}
}
