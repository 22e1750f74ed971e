package export

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// ErrUnsupportedFormat is returned for an unknown export format
var ErrUnsupportedFormat = errors.New("unsupported export format")

// DefaultBeaconID is written when a measurement carries no beacon id
const DefaultBeaconID = "1"

// Header is the canonical column order of every export
var Header = []string{"Timestamp", "Near", "Medium", "Far", "Battery", "BeaconID"}

// Format is an export file format
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatXLSX    Format = "xlsx"
)

// ParseFormat reads a format name, defaulting to csv
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	switch f {
	case FormatParquet:
		return "application/vnd.apache.parquet"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Extension returns the file extension of the format, with the dot
func (f Format) Extension() string {
	return "." + string(f)
}

// Write encodes the day data in the given format
func Write(w io.Writer, format Format, days sensor.DayData) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, days.Measurements())
	case FormatParquet:
		return WriteParquet(w, days.Measurements())
	case FormatXLSX:
		return WriteXLSX(w, days)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func beaconID(m sensor.Measurement) string {
	if m.BeaconID == "" {
		return DefaultBeaconID
	}
	return m.BeaconID
}
