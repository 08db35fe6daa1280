package storage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Table naming scheme: one typed table and one backup table per
// (experiment, device) pair, named deterministically from both ids.
const (
	tablePrefix  = "exp_"
	backupSuffix = "_backup"
)

// Columns owned by the engine. Payload keys that sanitize to one of
// these are dropped from the typed schema with a warning.
var reservedColumns = map[string]struct{}{
	"id":        {},
	"device_id": {},
	"timestamp": {},
}

const experimentsSchema = `
CREATE TABLE IF NOT EXISTS experiments (
    id VARCHAR PRIMARY KEY,
    pretty_name VARCHAR NOT NULL,
    is_public BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMP NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP NOT NULL DEFAULT current_timestamp
);
`

// sanitizeIdentifier makes a caller-supplied string safe to interpolate
// into DDL/DML as an identifier. Dots and dashes become underscores (the
// flattener's path separator maps onto SQL naming); everything outside
// [a-zA-Z0-9_] is replaced with an underscore. This is the only gate
// between caller-controlled names and executable SQL text.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// TypedTableName returns the name of the typed table for a device.
func TypedTableName(expID, deviceID string) string {
	return tablePrefix + sanitizeIdentifier(expID) + "_" + sanitizeIdentifier(deviceID)
}

// BackupTableName returns the name of the backup table for a device.
func BackupTableName(expID, deviceID string) string {
	return TypedTableName(expID, deviceID) + backupSuffix
}

// sequenceName returns the name of the row-id sequence backing a table.
// DuckDB has no serial columns; each table gets its own sequence so row
// ids stay monotonically increasing per device.
func sequenceName(table string) string {
	return "seq_" + table
}

// ExperimentExists reports whether a metadata record exists. Note that
// metadata can exist without any device tables and vice versa.
func (s *Storage) ExperimentExists(ctx context.Context, expID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM experiments WHERE id = ?)", expID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check experiment %q: %w", expID, err)
	}
	return exists, nil
}

// DeviceTableExists reports whether the typed table for this
// (experiment, device) pair exists.
func (s *Storage) DeviceTableExists(ctx context.Context, expID, deviceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = ?)",
		TypedTableName(expID, deviceID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check device table: %w", err)
	}
	return exists, nil
}

// CreateDeviceTables creates the typed table and its companion backup
// table for a device, deriving the typed columns from the flattened
// sample payload, then idempotently registers experiment metadata
// (private by default). All statements use IF NOT EXISTS so two
// concurrent first-writes for the same pair cannot fail the race.
func (s *Storage) CreateDeviceTables(ctx context.Context, expID, deviceID string, sample map[string]any) error {
	typed := TypedTableName(expID, deviceID)
	backup := BackupTableName(expID, deviceID)

	cols := []string{
		fmt.Sprintf(`id BIGINT PRIMARY KEY DEFAULT nextval('%s')`, sequenceName(typed)),
		`device_id VARCHAR`,
		`timestamp TIMESTAMP DEFAULT current_timestamp`,
	}

	// Deterministic column order regardless of map iteration.
	keys := make([]string, 0, len(sample))
	for key := range sample {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		col := sanitizeIdentifier(key)
		if _, reserved := reservedColumns[strings.ToLower(col)]; reserved {
			log.Printf("skipping column %q: conflicts with reserved column", col)
			continue
		}
		cols = append(cols, fmt.Sprintf(`"%s" %s`, col, inferColumnType(sample[key])))
	}

	statements := []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS "%s"`, sequenceName(typed)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, typed, strings.Join(cols, ", ")),
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS "%s"`, sequenceName(backup)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
			device_id VARCHAR,
			timestamp TIMESTAMP DEFAULT current_timestamp,
			raw_data VARCHAR
		)`, backup, sequenceName(backup)),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create device tables for %s/%s: %w", expID, deviceID, err)
		}
	}
	log.Printf("created device tables: %s, %s", typed, backup)

	if err := s.EnsureExperiment(ctx, expID); err != nil {
		// Recoverable: a later metadata access re-creates the row.
		log.Printf("failed to create experiment metadata for %s: %v", expID, err)
	}

	return nil
}

// ListDeviceIDs derives the device ids of an experiment by pattern
// matching table names, excluding backup tables.
func (s *Storage) ListDeviceIDs(ctx context.Context, expID string) ([]string, error) {
	prefix := tablePrefix + sanitizeIdentifier(expID) + "_"

	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_name LIKE ? ORDER BY table_name",
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tables: %w", err)
	}
	defer rows.Close()

	var deviceIDs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, backupSuffix) {
			deviceIDs = append(deviceIDs, strings.TrimPrefix(name, prefix))
		}
	}
	return deviceIDs, rows.Err()
}

// DeviceDrop records what was removed for one device of a dropped
// experiment.
type DeviceDrop struct {
	DeviceID      string
	TypedRecords  int64
	BackupRecords int64
}

// DropResult is the audit trail of a DropExperiment call.
type DropResult struct {
	Devices     []DeviceDrop
	TypedTotal  int64
	BackupTotal int64
}

// DropExperiment drops every typed+backup table pair belonging to the
// experiment, then deletes the metadata record. Returns
// ErrExperimentNotFound when no device tables exist.
func (s *Storage) DropExperiment(ctx context.Context, expID string) (*DropResult, error) {
	deviceIDs, err := s.ListDeviceIDs(ctx, expID)
	if err != nil {
		return nil, err
	}
	if len(deviceIDs) == 0 {
		return nil, ErrExperimentNotFound
	}

	result := &DropResult{}
	for _, deviceID := range deviceIDs {
		typed := TypedTableName(expID, deviceID)
		backup := BackupTableName(expID, deviceID)

		drop := DeviceDrop{DeviceID: deviceID}
		if n, err := s.countRows(ctx, typed); err == nil {
			drop.TypedRecords = n
		}
		if n, err := s.countRows(ctx, backup); err == nil {
			drop.BackupRecords = n
		}

		statements := []string{
			fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, typed),
			fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, backup),
			fmt.Sprintf(`DROP SEQUENCE IF EXISTS "%s"`, sequenceName(typed)),
			fmt.Sprintf(`DROP SEQUENCE IF EXISTS "%s"`, sequenceName(backup)),
		}
		for _, stmt := range statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("failed to drop tables for device %s: %w", deviceID, err)
			}
		}
		log.Printf("dropped tables for device %s in experiment %s", deviceID, expID)

		result.Devices = append(result.Devices, drop)
		result.TypedTotal += drop.TypedRecords
		result.BackupTotal += drop.BackupRecords
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM experiments WHERE id = ?", expID); err != nil {
		return nil, fmt.Errorf("failed to delete experiment metadata: %w", err)
	}

	return result, nil
}

// tableColumns returns the set of column names of a table.
func (s *Storage) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ?", table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func (s *Storage) countRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)).Scan(&count)
	return count, err
}
