package sensor

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeatmap(t *testing.T) {
	measurements := []Measurement{
		{Timestamp: at(t, "2024-01-01T06:10:00Z"), Near: 1, Medium: 2, Far: 3},
		{Timestamp: at(t, "2024-01-02T06:50:00Z"), Near: 1},
		{Timestamp: at(t, "2024-01-01T21:00:00Z"), Far: 4},
		{Timestamp: at(t, "2024-01-01T22:00:00Z"), Near: 100},
	}

	grid := Heatmap(measurements, time.UTC, HourWindow{Start: 6, End: 21})
	require.Len(t, grid.Hours, 16)
	assert.Equal(t, 6, grid.Hours[0])
	assert.Equal(t, 21, grid.Hours[15])
	assert.Equal(t, []string{"near", "mid", "far"}, grid.Positions)

	assert.Equal(t, 2, grid.Data[0][0])
	assert.Equal(t, 2, grid.Data[1][0])
	assert.Equal(t, 3, grid.Data[2][0])
	assert.Equal(t, 4, grid.Data[2][15])
	for _, row := range grid.Data {
		for _, v := range row {
			assert.NotEqual(t, 100, v, "readings outside the window are dropped")
		}
	}
}

func TestDailyTotals(t *testing.T) {
	days := GroupByDay([]Measurement{
		{Timestamp: at(t, "2024-01-02T06:00:00Z"), Near: 1, Medium: 1},
		{Timestamp: at(t, "2024-01-01T06:00:00Z"), Far: 5},
		{Timestamp: at(t, "2024-01-02T07:00:00Z"), Near: 2},
	})

	totals := DailyTotals(days)
	require.Len(t, totals, 2)
	assert.Equal(t, DailyTotal{ID: "day1", Date: "2024-01-01", Far: 5}, totals[0])
	assert.Equal(t, DailyTotal{ID: "day2", Date: "2024-01-02", Near: 3, Medium: 1}, totals[1])
}

func TestZoneStats_Hourly(t *testing.T) {
	measurements := []Measurement{
		{Timestamp: at(t, "2024-01-01T09:00:00Z"), Near: 4, Far: 1},
		{Timestamp: at(t, "2024-01-01T10:00:00Z"), Near: 3},
		{Timestamp: at(t, "2024-01-01T15:00:00Z"), Near: 5, Far: 1},
	}

	summary := ZoneStats(measurements, time.UTC, ZoneModeHourly)
	require.Len(t, summary.Zones, 3)
	assert.Equal(t, ZoneModeHourly, summary.Mode)

	near := summary.Zones[0]
	assert.Equal(t, ZoneNear, near.Zone)
	assert.Equal(t, 12, near.Visitors)
	assert.Equal(t, "09:00-11:00", near.PeakPeriod)

	medium := summary.Zones[1]
	assert.Equal(t, 0, medium.Visitors)
	assert.Equal(t, NoPeak, medium.PeakPeriod)

	far := summary.Zones[2]
	assert.Equal(t, 2, far.Visitors)
	assert.Equal(t, "08:00-10:00", far.PeakPeriod, "ties keep the earliest window")
}

func TestZoneStats_Daily(t *testing.T) {
	measurements := []Measurement{
		{Timestamp: at(t, "2024-01-02T09:00:00Z"), Medium: 2},
		{Timestamp: at(t, "2024-01-01T09:00:00Z"), Medium: 7},
		{Timestamp: at(t, "2024-01-02T11:00:00Z"), Medium: 6},
	}

	summary := ZoneStats(measurements, time.UTC, ZoneModeDaily)
	assert.Equal(t, ZoneModeDaily, summary.Mode)
	assert.Equal(t, 15, summary.Zones[1].Visitors)
	assert.Equal(t, "2024-01-02", summary.Zones[1].PeakPeriod)
}

func TestDayData_JSONKeepsRankOrder(t *testing.T) {
	var ms []Measurement
	for day := 12; day >= 1; day-- {
		ms = append(ms, Measurement{Timestamp: time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC), Near: day})
	}
	days := GroupByDay(ms)

	data, err := json.Marshal(days)
	require.NoError(t, err)

	var decoded DayData
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, 12, decoded.Len())
	for i, day := range decoded.Days() {
		assert.Equal(t, DayID(i+1), day.ID)
	}

	day10, ok := decoded.Get("day10")
	require.True(t, ok)
	assert.Equal(t, "2024-03-10", day10.Date)
	assert.Equal(t, 10, day10.Measurements[0].Near)
}

func TestDayData_PersistedShape(t *testing.T) {
	days := GroupByDay([]Measurement{
		{Timestamp: at(t, "2024-01-01T10:00:00Z"), Near: 3, Medium: 5, Far: 1, Battery: 87},
	})

	data, err := json.Marshal(days)
	require.NoError(t, err)
	assert.JSONEq(t, `{"day1":{"id":"day1","date":"2024-01-01","measurements":[
		{"timestamp":"2024-01-01T10:00:00.000Z","near":3,"medium":5,"far":1,"battery":87}
	]}}`, string(data))
}

func TestDayData_RejectsGaps(t *testing.T) {
	var decoded DayData
	err := json.Unmarshal([]byte(`{"day1":{"id":"day1","date":"2024-01-01","measurements":[]},
		"day3":{"id":"day3","date":"2024-01-03","measurements":[]}}`), &decoded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDayData))

	err = json.Unmarshal([]byte(`{"monday":{"date":"2024-01-01"}}`), &decoded)
	assert.True(t, errors.Is(err, ErrInvalidDayData))
}
