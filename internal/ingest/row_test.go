package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRowParser(debug bool) *RowParser {
	return NewRowParser(NewTimestampParser(time.UTC), debug, nil)
}

func TestReadPseudoLine(t *testing.T) {
	fields := ReadPseudoLine("2024-01-01T10:00:00,Near:3,Medium:5,Far:1,Battery:87%,Colour:red,garbage")

	assert.Equal(t, []Field{
		{Name: FieldTimestamp, Value: "2024-01-01T10:00:00"},
		{Name: FieldNear, Value: "3"},
		{Name: FieldMedium, Value: "5"},
		{Name: FieldFar, Value: "1"},
		{Name: FieldBattery, Value: "87%"},
	}, fields)

	// keys are case-sensitive
	assert.Len(t, ReadPseudoLine("2024-01-01,near:3"), 1)
	assert.Len(t, ReadPseudoLine("2024-01-01"), 1)
}

func TestRowParser_PseudoLine(t *testing.T) {
	p := newTestRowParser(false)

	m, err := p.Parse(RawRow{
		Line:   2,
		Index:  1,
		Fields: ReadPseudoLine("2024-01-01T10:00:00,Near:3,Medium:5,Far:1,Battery:87%"),
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, 3, m.Near)
	assert.Equal(t, 5, m.Medium)
	assert.Equal(t, 1, m.Far)
	assert.Equal(t, 87.0, m.Battery)
	assert.Zero(t, m.OriginalRow)
	assert.Empty(t, m.Error)

	data, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-01-01T10:00:00.000Z","near":3,"medium":5,"far":1,"battery":87}`, string(data))
}

func TestRowParser_TimestampAliases(t *testing.T) {
	p := newTestRowParser(false)

	m, err := p.Parse(RawRow{Fields: []Field{
		{Name: "timestamp", Value: " "},
		{Name: "date", Value: "2024-03-04 05:06:07"},
		{Name: "near", Value: "2"},
	}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC), m.Timestamp)
	assert.Equal(t, 2, m.Near)
}

func TestRowParser_Skips(t *testing.T) {
	p := newTestRowParser(false)

	tests := []struct {
		name   string
		row    RawRow
		reason SkipReason
	}{
		{
			name:   "missing timestamp",
			row:    RawRow{Line: 3, Fields: []Field{{Name: "near", Value: "1"}}},
			reason: ReasonInvalidTimestamp,
		},
		{
			name:   "unparseable timestamp",
			row:    RawRow{Line: 4, Fields: []Field{{Name: "timestamp", Value: "yesterday"}}},
			reason: ReasonInvalidTimestamp,
		},
		{
			name:   "unusable row",
			row:    RawRow{Line: 5, Unusable: true, Err: `bare " in non-quoted field`},
			reason: ReasonInvalidData,
		},
		{
			name:   "no fields",
			row:    RawRow{Line: 6},
			reason: ReasonInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.row)
			require.Error(t, err)

			var rowErr *RowError
			require.True(t, errors.As(err, &rowErr))
			assert.Equal(t, tt.reason, rowErr.Reason)
			assert.Equal(t, tt.row.Line, rowErr.Line)
		})
	}
}

func TestRowParser_Defaults(t *testing.T) {
	p := newTestRowParser(false)

	m, err := p.Parse(RawRow{Fields: []Field{
		{Name: "timestamp", Value: "2024-01-01T00:00:00Z"},
		{Name: "near", Value: "-3"},
		{Name: "medium", Value: "n/a"},
		{Name: "battery", Value: "low"},
		{Name: "beaconid", Value: " B-7 "},
	}})
	require.NoError(t, err)

	assert.Equal(t, 0, m.Near)
	assert.Equal(t, 0, m.Medium)
	assert.Equal(t, 0, m.Far)
	assert.Equal(t, 0.0, m.Battery)
	assert.Equal(t, "B-7", m.BeaconID)
}

func TestRowParser_DebugErrors(t *testing.T) {
	p := newTestRowParser(true)

	m, err := p.Parse(RawRow{
		Line:     7,
		Index:    6,
		Salvaged: true,
		Err:      "extraneous or missing \" in quoted-field",
		Fields: []Field{
			{Name: FieldTimestamp, Value: "2024-01-01T00:00:00Z"},
			{Name: FieldNear, Value: "4"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, m.OriginalRow)
	assert.Equal(t, "extraneous or missing \" in quoted-field", m.Error)
	assert.Equal(t, 4, m.Near)
}
