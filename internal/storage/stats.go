package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// ManagementStats is the cross-experiment rollup served to
// authenticated administrators.
type ManagementStats struct {
	TotalExperiments  int64
	PublicExperiments int64
	TotalDevices      int64
	TypedRecords      int64
	BackupRecords     int64
}

// Stats counts experiments and walks every typed/backup table pair to
// total devices and records. Per-table count failures are logged and
// skipped.
func (s *Storage) Stats(ctx context.Context) (*ManagementStats, error) {
	stats := &ManagementStats{}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments").Scan(&stats.TotalExperiments)
	if err != nil {
		return nil, fmt.Errorf("failed to count experiments: %w", err)
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments WHERE is_public = true").Scan(&stats.PublicExperiments)
	if err != nil {
		return nil, fmt.Errorf("failed to count public experiments: %w", err)
	}

	tables, err := s.listTypedTables(ctx)
	if err != nil {
		return nil, err
	}

	for _, table := range tables {
		typedCount, err := s.countRows(ctx, table)
		if err != nil {
			log.Printf("failed to count records in %s: %v", table, err)
			continue
		}
		backupCount, err := s.countRows(ctx, table+backupSuffix)
		if err != nil {
			log.Printf("failed to count records in %s: %v", table+backupSuffix, err)
			continue
		}

		stats.TypedRecords += typedCount
		stats.BackupRecords += backupCount
		stats.TotalDevices++
	}

	return stats, nil
}

// listTypedTables returns every device data table, excluding backups.
func (s *Storage) listTypedTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_name LIKE ? ORDER BY table_name",
		tablePrefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, tablePrefix) && !strings.HasSuffix(name, backupSuffix) {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}
