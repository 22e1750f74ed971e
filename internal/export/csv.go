package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// WriteCSV writes measurements in the canonical delimited layout
func WriteCSV(w io.Writer, measurements []sensor.Measurement) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range measurements {
		record := []string{
			m.Timestamp.UTC().Format(sensor.TimestampLayout),
			strconv.Itoa(m.Near),
			strconv.Itoa(m.Medium),
			strconv.Itoa(m.Far),
			strconv.FormatFloat(m.Battery, 'f', -1, 64),
			beaconID(m),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
