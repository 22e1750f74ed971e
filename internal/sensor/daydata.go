package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidDayData is returned when persisted day data breaks the dense day id sequence
var ErrInvalidDayData = errors.New("invalid day data")

const dayIDPrefix = "day"

// DayBucket holds the measurements of one calendar date
type DayBucket struct {
	ID           string        `json:"id"`
	Date         string        `json:"date"`
	Measurements []Measurement `json:"measurements"`
}

// DaySummary is the response form of a day bucket
type DaySummary struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DayData is the ordered collection of day buckets for one upload.
// Buckets are only built through GroupByDay or decoding, so ids are always day1..dayN in date order.
type DayData struct {
	days  []DayBucket
	index map[string]int
}

// DayID formats the id of the bucket at the given 1-based rank
func DayID(rank int) string {
	return dayIDPrefix + strconv.Itoa(rank)
}

// parseDayRank extracts the rank from a day id
func parseDayRank(id string) (int, bool) {
	if !strings.HasPrefix(id, dayIDPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, dayIDPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func newDayData(days []DayBucket) DayData {
	index := make(map[string]int, len(days))
	for i, d := range days {
		index[d.ID] = i
	}
	return DayData{days: days, index: index}
}

// Len returns the number of day buckets
func (d DayData) Len() int {
	return len(d.days)
}

// Days returns the buckets in day id order
func (d DayData) Days() []DayBucket {
	return d.days
}

// Get looks up a bucket by id
func (d DayData) Get(id string) (DayBucket, bool) {
	i, ok := d.index[id]
	if !ok {
		return DayBucket{}, false
	}
	return d.days[i], true
}

// Measurements flattens all buckets in day order
func (d DayData) Measurements() []Measurement {
	total := 0
	for _, day := range d.days {
		total += len(day.Measurements)
	}

	out := make([]Measurement, 0, total)
	for _, day := range d.days {
		out = append(out, day.Measurements...)
	}
	return out
}

// Summaries returns id, label, date and count per bucket
func (d DayData) Summaries() []DaySummary {
	out := make([]DaySummary, len(d.days))
	for i, day := range d.days {
		out[i] = DaySummary{
			ID:    day.ID,
			Label: fmt.Sprintf("Day %d", i+1),
			Date:  day.Date,
			Count: len(day.Measurements),
		}
	}
	return out
}

// MarshalJSON writes the buckets as an object keyed by day id, in rank order
func (d DayData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, day := range d.days {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(day.ID)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		if day.Measurements == nil {
			day.Measurements = []Measurement{}
		}
		value, err := json.Marshal(day)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the persisted object form and restores rank order
func (d *DayData) UnmarshalJSON(data []byte) error {
	var raw map[string]DayBucket
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type ranked struct {
		rank   int
		bucket DayBucket
	}
	buckets := make([]ranked, 0, len(raw))
	for key, bucket := range raw {
		rank, ok := parseDayRank(key)
		if !ok {
			return fmt.Errorf("%w: unexpected key %q", ErrInvalidDayData, key)
		}
		if bucket.ID == "" {
			bucket.ID = key
		}
		if bucket.ID != key {
			return fmt.Errorf("%w: key %q holds bucket %q", ErrInvalidDayData, key, bucket.ID)
		}
		buckets = append(buckets, ranked{rank: rank, bucket: bucket})
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].rank < buckets[j].rank })

	days := make([]DayBucket, len(buckets))
	for i, b := range buckets {
		if b.rank != i+1 {
			return fmt.Errorf("%w: missing %s", ErrInvalidDayData, DayID(i+1))
		}
		days[i] = b.bucket
	}

	*d = newDayData(days)
	return nil
}
