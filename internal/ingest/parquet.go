package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/beacon-dashboard/internal/export"
)

// ErrUnreadableParquet is returned when a .parquet upload cannot be opened
var ErrUnreadableParquet = errors.New("unreadable parquet file")

// readParquet turns exported Parquet rows back into raw rows so they go through
// the same row parser as text input
func readParquet(content []byte) ([]RawRow, error) {
	file, err := parquet.OpenFile(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableParquet, err)
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	var rows []RawRow
	for {
		var record export.ParquetRow
		err := reader.Read(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("%w: %v", ErrUnreadableParquet, err)
		}

		n := len(rows) + 1
		rows = append(rows, RawRow{
			Line:  n,
			Index: n,
			Fields: []Field{
				{Name: FieldTimestamp, Value: record.Timestamp},
				{Name: FieldNear, Value: strconv.FormatInt(record.Near, 10)},
				{Name: FieldMedium, Value: strconv.FormatInt(record.Medium, 10)},
				{Name: FieldFar, Value: strconv.FormatInt(record.Far, 10)},
				{Name: FieldBattery, Value: strconv.FormatFloat(record.Battery, 'f', -1, 64)},
				{Name: FieldBeaconID, Value: record.BeaconID},
			},
		})
	}

	return rows, nil
}
