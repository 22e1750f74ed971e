package export

import (
	"fmt"
	"io"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// ParquetRow is the Parquet schema of an exported measurement
type ParquetRow struct {
	Timestamp string  `parquet:"timestamp"`
	Near      int64   `parquet:"near"`
	Medium    int64   `parquet:"medium"`
	Far       int64   `parquet:"far"`
	Battery   float64 `parquet:"battery"`
	BeaconID  string  `parquet:"beacon_id"`
}

// WriteParquet writes measurements as a single Parquet file
func WriteParquet(w io.Writer, measurements []sensor.Measurement) error {
	rows := make([]ParquetRow, len(measurements))
	for i, m := range measurements {
		rows[i] = ParquetRow{
			Timestamp: m.Timestamp.UTC().Format(sensor.TimestampLayout),
			Near:      int64(m.Near),
			Medium:    int64(m.Medium),
			Far:       int64(m.Far),
			Battery:   m.Battery,
			BeaconID:  beaconID(m),
		}
	}

	writer := parquet.NewGenericWriter[ParquetRow](w)
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write Parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return nil
}
