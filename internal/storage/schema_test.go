package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	store, err := New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"meta.battery", "meta_battery"},
		{"probe-1", "probe_1"},
		{"plain_name", "plain_name"},
		{"Exp42", "Exp42"},
		{"a b;DROP TABLE", "a_b_DROP_TABLE"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeIdentifier(tt.in))
	}
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "exp_exp1_probe1", TypedTableName("exp1", "probe1"))
	assert.Equal(t, "exp_exp1_probe1_backup", BackupTableName("exp1", "probe1"))
	assert.Equal(t, "exp_lake_study_probe_1", TypedTableName("lake-study", "probe.1"))
}

func TestCreateDeviceTables(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sample := map[string]any{
		"temp":         21.5,
		"meta.battery": 80,
		"name":         "probe",
	}

	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe1", sample))

	exists, err := store.DeviceTableExists(ctx, "exp1", "probe1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Metadata is registered, private by default.
	exp, err := store.GetExperiment(ctx, "exp1")
	require.NoError(t, err)
	assert.False(t, exp.IsPublic)
	assert.Equal(t, "exp1", exp.PrettyName)

	cols, err := store.tableColumns(ctx, TypedTableName("exp1", "probe1"))
	require.NoError(t, err)
	assert.Contains(t, cols, "temp")
	assert.Contains(t, cols, "meta_battery")
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "device_id")
	assert.Contains(t, cols, "timestamp")
}

func TestCreateDeviceTablesIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sample := map[string]any{"temp": 21.5}
	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe1", sample))

	// A concurrent first-write racing to the same pair must not fail.
	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe1", sample))
}

func TestCreateDeviceTablesSkipsReservedColumns(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sample := map[string]any{
		"timestamp": "2026-01-01T00:00:00Z",
		"device-id": "spoofed",
		"temp":      21.5,
	}

	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe1", sample))

	cols, err := store.dataColumns(ctx, TypedTableName("exp1", "probe1"))
	require.NoError(t, err)

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	assert.Equal(t, []string{"temp"}, names)
}

func TestListDeviceIDs(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe1", map[string]any{"a": 1}))
	require.NoError(t, store.CreateDeviceTables(ctx, "exp1", "probe2", map[string]any{"b": 2}))
	require.NoError(t, store.CreateDeviceTables(ctx, "other", "probe3", map[string]any{"c": 3}))

	deviceIDs, err := store.ListDeviceIDs(ctx, "exp1")
	require.NoError(t, err)
	assert.Equal(t, []string{"probe1", "probe2"}, deviceIDs)
}

func TestExperimentExists(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	exists, err := store.ExperimentExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.EnsureExperiment(ctx, "exp1"))

	exists, err = store.ExperimentExists(ctx, "exp1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDropExperiment(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_, err := store.Ingest(ctx, "exp1", "probe1", map[string]any{"temp": 21.5}, nil)
	require.NoError(t, err)
	_, err = store.Ingest(ctx, "exp1", "probe2", map[string]any{"ph": 7.1}, nil)
	require.NoError(t, err)

	result, err := store.DropExperiment(ctx, "exp1")
	require.NoError(t, err)
	assert.Len(t, result.Devices, 2)
	assert.Equal(t, int64(2), result.BackupTotal)

	exists, err := store.ExperimentExists(ctx, "exp1")
	require.NoError(t, err)
	assert.False(t, exists)

	deviceIDs, err := store.ListDeviceIDs(ctx, "exp1")
	require.NoError(t, err)
	assert.Empty(t, deviceIDs)
}

func TestDropExperimentNotFound(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.DropExperiment(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func TestDropThenReingestRecreates(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_, err := store.Ingest(ctx, "exp1", "probe1", map[string]any{"temp": 21.5}, nil)
	require.NoError(t, err)

	_, err = store.DropExperiment(ctx, "exp1")
	require.NoError(t, err)

	// Fresh tables from scratch, not leftovers.
	result, err := store.Ingest(ctx, "exp1", "probe1", map[string]any{"depth": 3}, nil)
	require.NoError(t, err)
	assert.False(t, result.ExperimentExisted)
	assert.False(t, result.DeviceTableExisted)

	cols, err := store.dataColumns(ctx, TypedTableName("exp1", "probe1"))
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "depth", cols[0].Name)
}
