package ingest

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// SkipReason categorises a raw row that did not become a measurement
type SkipReason string

const (
	ReasonInvalidTimestamp SkipReason = "invalidTimestamp"
	ReasonInvalidData      SkipReason = "invalidData"
)

// timestampAliases are tried in order
var timestampAliases = []string{"timestamp", "time", "date"}

// pseudoKeys maps the case-sensitive keys of the key:value format to canonical field names
var pseudoKeys = map[string]string{
	"Near":     FieldNear,
	"Medium":   FieldMedium,
	"Far":      FieldFar,
	"Battery":  FieldBattery,
	"BeaconID": FieldBeaconID,
}

// Field is one named raw value
type Field struct {
	Name  string
	Value string
}

// RawRow is one tokenized input line with lower-cased, trimmed field names
type RawRow struct {
	// Line is the 1-based line number in the cleaned input
	Line int
	// Index is the 1-based position among data rows
	Index  int
	Fields []Field
	// Salvaged rows were rebuilt by positional comma splitting after a tokenizer error
	Salvaged bool
	Err      string
	// Unusable marks a row the tokenizer rejected with no salvage available
	Unusable bool
}

// Get returns the value of the named field, ignoring case
func (r RawRow) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Timestamp returns the first non-empty timestamp alias
func (r RawRow) Timestamp() (string, bool) {
	for _, alias := range timestampAliases {
		if v, ok := r.Get(alias); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// RowError explains why a row was skipped
type RowError struct {
	Line   int
	Reason SkipReason
	Detail string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Reason, e.Detail)
}

// RowParser turns raw rows into measurements. The timestamp is the only hard gate;
// numeric fields always fall back to 0.
type RowParser struct {
	normalizer  *Normalizer
	timestamps  *TimestampParser
	debugErrors bool
	logger      *zap.Logger
}

// NewRowParser creates a row parser
func NewRowParser(timestamps *TimestampParser, debugErrors bool, logger *zap.Logger) *RowParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timestamps == nil {
		timestamps = NewTimestampParser(nil)
	}
	return &RowParser{
		normalizer:  NewNormalizer(logger),
		timestamps:  timestamps,
		debugErrors: debugErrors,
		logger:      logger,
	}
}

// Parse converts one raw row. The returned error is always a *RowError.
func (p *RowParser) Parse(row RawRow) (sensor.Measurement, error) {
	if row.Unusable || len(row.Fields) == 0 {
		return sensor.Measurement{}, &RowError{Line: row.Line, Reason: ReasonInvalidData, Detail: row.Err}
	}

	raw, _ := row.Timestamp()
	ts, ok := p.timestamps.Parse(raw)
	if !ok {
		return sensor.Measurement{}, &RowError{
			Line:   row.Line,
			Reason: ReasonInvalidTimestamp,
			Detail: fmt.Sprintf("invalid timestamp %q", raw),
		}
	}

	m := sensor.Measurement{
		Timestamp: ts,
		Near:      p.count(row, FieldNear),
		Medium:    p.count(row, FieldMedium),
		Far:       p.count(row, FieldFar),
	}

	battery, _ := row.Get(FieldBattery)
	m.Battery = p.normalizer.Battery(battery)

	if beacon, ok := row.Get(FieldBeaconID); ok {
		m.BeaconID = strings.TrimSpace(beacon)
	}

	if p.debugErrors {
		m.OriginalRow = row.Index
		if row.Salvaged {
			m.Error = row.Err
		}
	}

	return m, nil
}

func (p *RowParser) count(row RawRow, field string) int {
	raw, _ := row.Get(field)
	n := p.normalizer.Count(field, raw)
	if n < 0 {
		p.logger.Debug("Negative count, defaulting to 0",
			zap.Int("line", row.Line),
			zap.String("field", field),
			zap.Int("value", n))
		return 0
	}
	return n
}

// ReadPseudoLine splits a "timestamp,Key:value,..." line. Unknown keys are ignored.
func ReadPseudoLine(line string) []Field {
	head, rest, _ := strings.Cut(line, ",")
	fields := []Field{{Name: FieldTimestamp, Value: strings.TrimSpace(head)}}

	if rest == "" {
		return fields
	}

	for _, piece := range strings.Split(rest, ",") {
		key, value, found := strings.Cut(piece, ":")
		if !found {
			continue
		}
		name, known := pseudoKeys[strings.TrimSpace(key)]
		if !known {
			continue
		}
		fields = append(fields, Field{Name: name, Value: strings.TrimSpace(value)})
	}
	return fields
}
