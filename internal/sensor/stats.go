package sensor

import (
	"fmt"
	"sort"
	"time"
)

// Zone names as shown on the dashboard
const (
	ZoneNear   = "Near"
	ZoneMedium = "Medium"
	ZoneFar    = "Far"
)

// NoPeak is reported when a zone saw no visits
const NoPeak = "N/A"

// ZoneMode selects how peak periods are computed
type ZoneMode string

const (
	ZoneModeHourly ZoneMode = "hourly"
	ZoneModeDaily  ZoneMode = "daily"
)

// HeatmapGrid holds per-hour sums for each position, data[position][hour index]
type HeatmapGrid struct {
	Data      [][]int  `json:"data"`
	Positions []string `json:"positions"`
	Hours     []int    `json:"hours"`
}

// DailyTotal is the per-day sum of every zone
type DailyTotal struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Near   int    `json:"near"`
	Medium int    `json:"medium"`
	Far    int    `json:"far"`
}

// ZoneStat is the visitor total and busiest period of one zone
type ZoneStat struct {
	Zone       string `json:"zone"`
	Visitors   int    `json:"visitors"`
	PeakPeriod string `json:"peakPeriod"`
}

// ZoneSummary groups the stats of all three zones
type ZoneSummary struct {
	Mode  ZoneMode   `json:"mode"`
	Zones []ZoneStat `json:"zones"`
}

type zoneCounts struct {
	near, medium, far int
}

func (z *zoneCounts) add(m Measurement) {
	z.near += m.Near
	z.medium += m.Medium
	z.far += m.Far
}

// Heatmap sums near/mid/far per local hour inside the window
func Heatmap(measurements []Measurement, loc *time.Location, window HourWindow) HeatmapGrid {
	if loc == nil {
		loc = time.UTC
	}

	hours := window.Hours()
	column := make(map[int]int, len(hours))
	for i, h := range hours {
		column[h] = i
	}

	grid := HeatmapGrid{
		Positions: []string{"near", "mid", "far"},
		Hours:     hours,
		Data:      make([][]int, 3),
	}
	for i := range grid.Data {
		grid.Data[i] = make([]int, len(hours))
	}

	for _, m := range measurements {
		col, ok := column[m.Timestamp.In(loc).Hour()]
		if !ok {
			continue
		}
		grid.Data[0][col] += m.Near
		grid.Data[1][col] += m.Medium
		grid.Data[2][col] += m.Far
	}

	return grid
}

// DailyTotals sums each day bucket
func DailyTotals(days DayData) []DailyTotal {
	out := make([]DailyTotal, 0, days.Len())
	for _, day := range days.Days() {
		var c zoneCounts
		for _, m := range day.Measurements {
			c.add(m)
		}
		out = append(out, DailyTotal{
			ID:     day.ID,
			Date:   day.Date,
			Near:   c.near,
			Medium: c.medium,
			Far:    c.far,
		})
	}
	return out
}

// ZoneStats totals each zone and finds its busiest period: a two-hour window in
// hourly mode, a calendar date in daily mode. Ties keep the earliest period.
func ZoneStats(measurements []Measurement, loc *time.Location, mode ZoneMode) ZoneSummary {
	if loc == nil {
		loc = time.UTC
	}

	var total zoneCounts
	for _, m := range measurements {
		total.add(m)
	}

	var labels []string
	var periods []zoneCounts

	switch mode {
	case ZoneModeDaily:
		byDate := make(map[string]*zoneCounts)
		for _, m := range measurements {
			key := m.Timestamp.In(loc).Format(DateLayout)
			c, ok := byDate[key]
			if !ok {
				c = &zoneCounts{}
				byDate[key] = c
				labels = append(labels, key)
			}
			c.add(m)
		}
		sort.Strings(labels)
		for _, l := range labels {
			periods = append(periods, *byDate[l])
		}
	default:
		mode = ZoneModeHourly
		var hourly [24]zoneCounts
		for _, m := range measurements {
			hourly[m.Timestamp.In(loc).Hour()].add(m)
		}
		for start := 0; start < 23; start++ {
			var c zoneCounts
			c.near = hourly[start].near + hourly[start+1].near
			c.medium = hourly[start].medium + hourly[start+1].medium
			c.far = hourly[start].far + hourly[start+1].far
			labels = append(labels, fmt.Sprintf("%02d:00-%02d:00", start, start+2))
			periods = append(periods, c)
		}
	}

	peak := func(pick func(zoneCounts) int) string {
		best, label := 0, NoPeak
		for i, c := range periods {
			if v := pick(c); v > best {
				best, label = v, labels[i]
			}
		}
		return label
	}

	return ZoneSummary{
		Mode: mode,
		Zones: []ZoneStat{
			{Zone: ZoneNear, Visitors: total.near, PeakPeriod: peak(func(c zoneCounts) int { return c.near })},
			{Zone: ZoneMedium, Visitors: total.medium, PeakPeriod: peak(func(c zoneCounts) int { return c.medium })},
			{Zone: ZoneFar, Visitors: total.far, PeakPeriod: peak(func(c zoneCounts) int { return c.far })},
		},
	}
}
