package sensor

import (
	"sort"
	"time"
)

// HourlyAverage is the per-day average of one hour-of-day slot
type HourlyAverage struct {
	Hour             int     `json:"hour"`
	Near             float64 `json:"near"`
	Medium           float64 `json:"medium"`
	Far              float64 `json:"far"`
	Battery          float64 `json:"battery"`
	ContributingDays int     `json:"contributingDays"`
	Readings         int     `json:"readings"`
}

// HourlyProfile is the cross-day hour-of-day view
type HourlyProfile struct {
	TotalDays int             `json:"totalDays"`
	Hours     []HourlyAverage `json:"hours"`
}

// HourWindow is an inclusive range of hours of day
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the hour falls inside the window
func (w HourWindow) Contains(hour int) bool {
	return hour >= w.Start && hour <= w.End
}

// Hours lists every hour in the window
func (w HourWindow) Hours() []int {
	if w.End < w.Start {
		return nil
	}
	hours := make([]int, 0, w.End-w.Start+1)
	for h := w.Start; h <= w.End; h++ {
		hours = append(hours, h)
	}
	return hours
}

// GroupByDay buckets measurements by UTC calendar date, ranking dates chronologically.
// Measurements keep their input order inside a bucket.
func GroupByDay(measurements []Measurement) DayData {
	byDate := make(map[string][]Measurement)
	var dates []time.Time

	for _, m := range measurements {
		key := m.Date()
		if _, seen := byDate[key]; !seen {
			day, _ := time.Parse(DateLayout, key)
			dates = append(dates, day)
			byDate[key] = nil
		}
		byDate[key] = append(byDate[key], m)
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	days := make([]DayBucket, len(dates))
	for i, date := range dates {
		key := date.Format(DateLayout)
		days[i] = DayBucket{
			ID:           DayID(i + 1),
			Date:         key,
			Measurements: byDate[key],
		}
	}

	return newDayData(days)
}

// HourlyAverages sums every reading into its local hour of day and divides by the
// number of distinct days in the whole dataset, not by the days that reported at that hour.
// Days are counted by UTC date so TotalDays always matches the day buckets of the same data.
func HourlyAverages(measurements []Measurement, loc *time.Location) HourlyProfile {
	if loc == nil {
		loc = time.UTC
	}

	type slot struct {
		near, medium, far, battery float64
		readings                   int
		days                       map[string]struct{}
	}

	var slots [24]slot
	allDays := make(map[string]struct{})

	for _, m := range measurements {
		local := m.Timestamp.In(loc)
		day := m.Date()
		allDays[day] = struct{}{}

		s := &slots[local.Hour()]
		s.near += float64(m.Near)
		s.medium += float64(m.Medium)
		s.far += float64(m.Far)
		s.battery += m.Battery
		s.readings++
		if s.days == nil {
			s.days = make(map[string]struct{})
		}
		s.days[day] = struct{}{}
	}

	profile := HourlyProfile{
		TotalDays: len(allDays),
		Hours:     make([]HourlyAverage, 24),
	}

	for hour := range slots {
		s := slots[hour]
		avg := HourlyAverage{
			Hour:             hour,
			ContributingDays: len(s.days),
			Readings:         s.readings,
		}
		if profile.TotalDays > 0 {
			divisor := float64(profile.TotalDays)
			avg.Near = s.near / divisor
			avg.Medium = s.medium / divisor
			avg.Far = s.far / divisor
			avg.Battery = s.battery / divisor
		}
		profile.Hours[hour] = avg
	}

	return profile
}

// FilterWindow keeps the measurements whose local hour falls inside the window
func FilterWindow(measurements []Measurement, loc *time.Location, window HourWindow) []Measurement {
	if loc == nil {
		loc = time.UTC
	}

	out := make([]Measurement, 0, len(measurements))
	for _, m := range measurements {
		if window.Contains(m.Timestamp.In(loc).Hour()) {
			out = append(out, m)
		}
	}
	return out
}

// MergeDays re-buckets the union of several uploads into one day sequence
func MergeDays(uploads []*Upload) DayData {
	var all []Measurement
	for _, u := range uploads {
		all = append(all, u.DayData.Measurements()...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return GroupByDay(all)
}
