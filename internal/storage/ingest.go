package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
)

// IngestResult reports the outcome of one submission. TypedOK can be
// false while the request still succeeds: the typed table is a
// best-effort projection, the backup table is the durable record.
type IngestResult struct {
	ExperimentExisted  bool
	DeviceTableExisted bool
	TypedOK            bool
	BackupOK           bool
	FlattenedKeys      []string
}

// Ingest flattens a payload, creates the device's table pair on first
// contact (the payload becomes the schema sample), writes a typed row
// best-effort and a backup row of the verbatim original payload. A typed
// insert failure is recorded and recovered; a backup insert failure is a
// hard ingestion error.
func (s *Storage) Ingest(ctx context.Context, expID, deviceID string, payload map[string]any, raw []byte) (*IngestResult, error) {
	flattened := Flatten(payload)

	result := &IngestResult{FlattenedKeys: flattenedKeys(flattened)}

	var err error
	result.ExperimentExisted, err = s.ExperimentExists(ctx, expID)
	if err != nil {
		return nil, NewInfrastructureError("failed to check experiment", err)
	}

	result.DeviceTableExisted, err = s.DeviceTableExists(ctx, expID, deviceID)
	if err != nil {
		return nil, NewInfrastructureError("failed to check device table", err)
	}

	if !result.DeviceTableExisted {
		log.Printf("creating device tables for experiment %s, device %s", expID, deviceID)
		if err := s.CreateDeviceTables(ctx, expID, deviceID, flattened); err != nil {
			return nil, NewInfrastructureError("failed to create device tables", err)
		}
	}

	result.TypedOK = s.insertTyped(ctx, expID, deviceID, flattened)

	if err := s.insertBackup(ctx, expID, deviceID, payload, raw); err != nil {
		return nil, NewInfrastructureError("failed to insert backup row", err)
	}
	result.BackupOK = true

	return result, nil
}

// insertTyped writes the flattened payload into the typed table using
// only the sanitized, non-reserved keys that exist in the table's
// column set. Keys the schema has never seen are silently dropped; the
// schema never evolves after creation. Any insert failure is recovered
// here and reported as typedOk=false.
func (s *Storage) insertTyped(ctx context.Context, expID, deviceID string, flattened map[string]any) bool {
	table := TypedTableName(expID, deviceID)

	tableCols, err := s.tableColumns(ctx, table)
	if err != nil {
		log.Printf("failed to read columns of %s: %v", table, err)
		return false
	}

	cols := []string{"device_id"}
	args := []any{deviceID}
	for _, key := range sortedKeys(flattened) {
		col := sanitizeIdentifier(key)
		if _, reserved := reservedColumns[strings.ToLower(col)]; reserved {
			continue
		}
		if _, known := tableCols[col]; !known {
			continue
		}
		cols = append(cols, col)
		args = append(args, bindValue(flattened[key]))
	}

	if len(cols) == 1 {
		// Nothing left after filtering; not an error, just no data.
		return true
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = `"` + col + `"`
		placeholders[i] = "?"
	}

	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		log.Printf("failed to insert into typed table %s: %v", table, err)
		return false
	}
	return true
}

// insertBackup stores the entire original payload. The raw request bytes
// are preferred so the stored copy round-trips exactly; a re-marshal is
// the fallback.
func (s *Storage) insertBackup(ctx context.Context, expID, deviceID string, payload map[string]any, raw []byte) error {
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	table := BackupTableName(expID, deviceID)
	stmt := fmt.Sprintf(`INSERT INTO "%s" (device_id, raw_data) VALUES (?, ?)`, table)
	if _, err := s.db.ExecContext(ctx, stmt, deviceID, string(raw)); err != nil {
		return err
	}
	return nil
}

func flattenedKeys(flattened map[string]any) []string {
	keys := sortedKeys(flattened)
	if keys == nil {
		keys = []string{}
	}
	return keys
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
