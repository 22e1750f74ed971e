package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// layouts carrying their own zone
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z0700",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.RFC822,
	time.RFC822Z,
	time.UnixDate,
	time.RubyDate,
	"Mon Jan 2 2006 15:04:05 GMT-0700",
}

// date-only ISO strings are UTC midnight
var utcLayouts = []string{
	"2006-01-02",
}

// layouts read in the configured zone
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	time.ANSIC,
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006 3:04:05 PM",
	"Jan 2, 2006",
	"January 2, 2006 15:04:05",
	"January 2, 2006",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006",
}

// slash forms, tried directly and after rewriting dashed dates
var slashLayouts = []string{
	"2006/1/2 15:04:05.999999999",
	"2006/1/2 15:04",
	"2006/1/2T15:04:05.999999999",
	"2006/1/2 3:04:05 PM",
	"2006/1/2 3:04 PM",
	"2006/1/2",
	"1/2/2006 15:04:05.999999999",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006",
}

var (
	dashedDate   = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`)
	jsZoneSuffix = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	components   = regexp.MustCompile(`^\D*(\d{4})\D+(\d{1,2})\D+(\d{1,2})(?:\D+(\d{1,2})\D+(\d{1,2})(?:\D+(\d{1,2}))?)?`)
)

// TimestampParser resolves the loose timestamp text found in sensor exports
type TimestampParser struct {
	loc *time.Location
}

// NewTimestampParser reads zone-less timestamps in loc (UTC when nil)
func NewTimestampParser(loc *time.Location) *TimestampParser {
	if loc == nil {
		loc = time.UTC
	}
	return &TimestampParser{loc: loc}
}

// Parse tries, in order: the known layouts, the same value with its dashed date
// rewritten to slashes, and finally a component decomposition with range checks.
func (p *TimestampParser) Parse(raw string) (time.Time, bool) {
	value := strings.Trim(strings.TrimSpace(raw), `"'`)
	value = jsZoneSuffix.ReplaceAllString(value, "")
	if value == "" {
		return time.Time{}, false
	}

	if ts, ok := p.direct(value); ok {
		return ts.UTC(), true
	}

	if dashedDate.MatchString(value) {
		rewritten := dashedDate.ReplaceAllString(value, "$1/$2/$3")
		if ts, ok := p.tryLayouts(slashLayouts, rewritten, p.loc); ok {
			return ts.UTC(), true
		}
	}

	if ts, ok := p.decompose(value); ok {
		return ts.UTC(), true
	}

	return time.Time{}, false
}

func (p *TimestampParser) direct(value string) (time.Time, bool) {
	if ts, ok := p.tryLayouts(zonedLayouts, value, nil); ok {
		return ts, true
	}
	if ts, ok := p.tryLayouts(utcLayouts, value, time.UTC); ok {
		return ts, true
	}
	if ts, ok := p.tryLayouts(localLayouts, value, p.loc); ok {
		return ts, true
	}
	return p.tryLayouts(slashLayouts, value, p.loc)
}

func (p *TimestampParser) tryLayouts(layouts []string, value string, loc *time.Location) (time.Time, bool) {
	for _, layout := range layouts {
		var (
			ts  time.Time
			err error
		)
		if loc == nil {
			ts, err = time.Parse(layout, value)
		} else {
			ts, err = time.ParseInLocation(layout, value, loc)
		}
		if err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// decompose reads year, month, day and optional hour, minute, second from the leading
// digits of value. Out-of-range parts fail rather than roll over into the next unit.
func (p *TimestampParser) decompose(value string) (time.Time, bool) {
	m := components.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, false
	}

	parts := make([]int, 6)
	for i := 1; i < len(m); i++ {
		if m[i] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i])
		if err != nil {
			return time.Time{}, false
		}
		parts[i-1] = n
	}

	year, month, day, hour, minute, second := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, p.loc)
	if ts.Day() != day || int(ts.Month()) != month {
		return time.Time{}, false
	}
	return ts, true
}
