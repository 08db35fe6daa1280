package storage

import (
	"encoding/json"
	"strconv"
	"time"
)

// inferColumnType maps a sample value to a DuckDB column type. All data
// columns are nullable; null samples default to VARCHAR. Inference runs
// once, against the first payload seen for a device, and is never
// re-evaluated on later writes.
func inferColumnType(value any) string {
	switch v := value.(type) {
	case nil:
		return "VARCHAR"
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case json.Number:
		if _, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return "BIGINT"
		}
		return "DOUBLE"
	case string:
		return "VARCHAR"
	case time.Time:
		return "TIMESTAMP"
	default:
		// Complex values have already been JSON serialized by Flatten.
		return "VARCHAR"
	}
}

// bindValue converts a flattened value into a driver-friendly parameter.
// json.Number keeps the wire representation intact through decoding; the
// driver wants concrete numeric types.
func bindValue(value any) any {
	n, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
