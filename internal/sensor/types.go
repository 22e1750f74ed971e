package sensor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the persisted form of a measurement instant (UTC, millisecond precision)
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DateLayout is the calendar-date form used for day buckets
const DateLayout = "2006-01-02"

// Measurement is one canonical beacon reading
type Measurement struct {
	Timestamp   time.Time
	Near        int
	Medium      int
	Far         int
	Battery     float64
	BeaconID    string
	OriginalRow int
	// Error carries the tokenizer error for salvaged rows when debug errors are enabled
	Error string
}

type measurementJSON struct {
	Timestamp   string  `json:"timestamp"`
	Near        int     `json:"near"`
	Medium      int     `json:"medium"`
	Far         int     `json:"far"`
	Battery     float64 `json:"battery"`
	BeaconID    string  `json:"beaconId,omitempty"`
	OriginalRow int     `json:"originalRow,omitempty"`
	Error       string  `json:"__error,omitempty"`
}

// MarshalJSON writes the timestamp as an ISO-8601 UTC instant
func (m Measurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(measurementJSON{
		Timestamp:   m.Timestamp.UTC().Format(TimestampLayout),
		Near:        m.Near,
		Medium:      m.Medium,
		Far:         m.Far,
		Battery:     m.Battery,
		BeaconID:    m.BeaconID,
		OriginalRow: m.OriginalRow,
		Error:       m.Error,
	})
}

// UnmarshalJSON reads a persisted measurement
func (m *Measurement) UnmarshalJSON(data []byte) error {
	var raw measurementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid measurement timestamp %q: %w", raw.Timestamp, err)
	}

	*m = Measurement{
		Timestamp:   ts.UTC(),
		Near:        raw.Near,
		Medium:      raw.Medium,
		Far:         raw.Far,
		Battery:     raw.Battery,
		BeaconID:    raw.BeaconID,
		OriginalRow: raw.OriginalRow,
		Error:       raw.Error,
	}
	return nil
}

// Date returns the UTC calendar date of the reading
func (m Measurement) Date() string {
	return m.Timestamp.UTC().Format(DateLayout)
}

// Upload is an immutable snapshot of one ingested file
type Upload struct {
	ID               uuid.UUID `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	OriginalFilename string    `json:"original_filename" db:"original_filename"`
	DayData          DayData   `json:"day_data" db:"-"`
	UploadedAt       time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// UploadSummary is the listing form of an upload
type UploadSummary struct {
	ID               uuid.UUID    `json:"id"`
	OriginalFilename string       `json:"originalFilename"`
	UploadedAt       time.Time    `json:"uploadedAt"`
	Days             []DaySummary `json:"days"`
}

// Summary builds the listing form of the upload
func (u *Upload) Summary() UploadSummary {
	return UploadSummary{
		ID:               u.ID,
		OriginalFilename: u.OriginalFilename,
		UploadedAt:       u.UploadedAt,
		Days:             u.DayData.Summaries(),
	}
}

// Profile is the externally owned user profile, read only for its raw csv fallback
type Profile struct {
	UserID  string `json:"user_id" db:"user_id"`
	CSVData string `json:"csv_data" db:"csv_data"`
}
