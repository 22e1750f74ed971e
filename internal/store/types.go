package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// ErrNotFound is returned when an upload or profile does not exist
var ErrNotFound = errors.New("not found")

// UploadStore persists upload snapshots keyed by user
type UploadStore interface {
	// InsertUpload writes a new snapshot, assigning its id and upload time when unset
	InsertUpload(ctx context.Context, upload *sensor.Upload) error
	// ReplaceLatestUpload overwrites the user's most recent snapshot, inserting when there is none
	ReplaceLatestUpload(ctx context.Context, upload *sensor.Upload) error
	// ListUploads returns the user's snapshots, newest first; limit <= 0 means all
	ListUploads(ctx context.Context, userID string, limit int) ([]*sensor.Upload, error)
	GetUpload(ctx context.Context, userID string, id uuid.UUID) (*sensor.Upload, error)
	LatestUpload(ctx context.Context, userID string) (*sensor.Upload, error)
	GetProfile(ctx context.Context, userID string) (*sensor.Profile, error)
	SaveProfile(ctx context.Context, profile *sensor.Profile) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// Stats summarises stored uploads
type Stats struct {
	TotalUploads int64 `json:"total_uploads" db:"total_uploads"`
	TotalUsers   int64 `json:"total_users" db:"total_users"`
}

// prepare fills the generated fields of a new snapshot
func prepare(upload *sensor.Upload) {
	if upload.ID == uuid.Nil {
		upload.ID = uuid.New()
	}
	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = time.Now().UTC()
	}
}
