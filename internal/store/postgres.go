package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_uploads (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	day_data JSONB NOT NULL,
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_user_uploads_user_time ON user_uploads (user_id, uploaded_at DESC);
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	csv_data TEXT
);`

const uploadColumns = `id, user_id, original_filename, day_data, uploaded_at`

// PostgresStore keeps uploads in the user_uploads table with day_data as JSONB
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ UploadStore = (*PostgresStore)(nil)

type uploadRow struct {
	ID               uuid.UUID      `db:"id"`
	UserID           string         `db:"user_id"`
	OriginalFilename string         `db:"original_filename"`
	DayData          types.JSONText `db:"day_data"`
	UploadedAt       time.Time      `db:"uploaded_at"`
}

func (r *uploadRow) toUpload() (*sensor.Upload, error) {
	upload := &sensor.Upload{
		ID:               r.ID,
		UserID:           r.UserID,
		OriginalFilename: r.OriginalFilename,
		UploadedAt:       r.UploadedAt,
	}
	if err := json.Unmarshal(r.DayData, &upload.DayData); err != nil {
		return nil, fmt.Errorf("failed to decode day_data of upload %s: %w", r.ID, err)
	}
	return upload, nil
}

// NewPostgresStore connects and configures the pool
func NewPostgresStore(config *Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := NewPostgresStoreFromDB(db, logger)

	if err := store.initialize(config.AutoMigrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Upload store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// NewPostgresStoreFromDB wraps an open handle
func NewPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) initialize(migrate bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if migrate {
		return s.EnsureSchema(ctx)
	}
	return nil
}

// EnsureSchema creates the tables when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Info("Database schema ensured")
	return nil
}

// InsertUpload writes a new snapshot
func (s *PostgresStore) InsertUpload(ctx context.Context, upload *sensor.Upload) error {
	prepare(upload)

	dayData, err := json.Marshal(upload.DayData)
	if err != nil {
		return fmt.Errorf("failed to encode day_data: %w", err)
	}

	query := `
		INSERT INTO user_uploads (id, user_id, original_filename, day_data, uploaded_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query,
		upload.ID,
		upload.UserID,
		upload.OriginalFilename,
		types.JSONText(dayData),
		upload.UploadedAt,
	); err != nil {
		s.logger.Error("Failed to insert upload",
			zap.Error(err),
			zap.String("user_id", upload.UserID),
			zap.String("filename", upload.OriginalFilename))
		return fmt.Errorf("failed to insert upload: %w", err)
	}

	s.logger.Debug("Upload inserted",
		zap.String("id", upload.ID.String()),
		zap.String("user_id", upload.UserID),
		zap.Int("days", upload.DayData.Len()))

	return nil
}

// ReplaceLatestUpload overwrites the newest snapshot in one statement
func (s *PostgresStore) ReplaceLatestUpload(ctx context.Context, upload *sensor.Upload) error {
	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = time.Now().UTC()
	}

	dayData, err := json.Marshal(upload.DayData)
	if err != nil {
		return fmt.Errorf("failed to encode day_data: %w", err)
	}

	query := `
		UPDATE user_uploads
		SET original_filename = $2, day_data = $3, uploaded_at = $4
		WHERE id = (
			SELECT id FROM user_uploads
			WHERE user_id = $1
			ORDER BY uploaded_at DESC
			LIMIT 1
		)
		RETURNING id`

	var id uuid.UUID
	err = s.db.QueryRowxContext(ctx, query,
		upload.UserID,
		upload.OriginalFilename,
		types.JSONText(dayData),
		upload.UploadedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return s.InsertUpload(ctx, upload)
	}
	if err != nil {
		s.logger.Error("Failed to replace upload", zap.Error(err), zap.String("user_id", upload.UserID))
		return fmt.Errorf("failed to replace upload: %w", err)
	}

	upload.ID = id
	return nil
}

// ListUploads returns the user's snapshots, newest first
func (s *PostgresStore) ListUploads(ctx context.Context, userID string, limit int) ([]*sensor.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM user_uploads WHERE user_id = $1 ORDER BY uploaded_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []uploadRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}

	uploads := make([]*sensor.Upload, 0, len(rows))
	for i := range rows {
		upload, err := rows[i].toUpload()
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, nil
}

// GetUpload loads one snapshot of the user
func (s *PostgresStore) GetUpload(ctx context.Context, userID string, id uuid.UUID) (*sensor.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM user_uploads WHERE user_id = $1 AND id = $2`

	var row uploadRow
	if err := s.db.GetContext(ctx, &row, query, userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return row.toUpload()
}

// LatestUpload loads the newest snapshot of the user
func (s *PostgresStore) LatestUpload(ctx context.Context, userID string) (*sensor.Upload, error) {
	uploads, err := s.ListUploads(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(uploads) == 0 {
		return nil, ErrNotFound
	}
	return uploads[0], nil
}

// GetProfile reads the raw csv fallback of a user
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*sensor.Profile, error) {
	query := `SELECT user_id, COALESCE(csv_data, '') AS csv_data FROM profiles WHERE user_id = $1`

	var profile sensor.Profile
	if err := s.db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// SaveProfile stores the raw csv text of a user, creating the profile when missing
func (s *PostgresStore) SaveProfile(ctx context.Context, profile *sensor.Profile) error {
	query := `INSERT INTO profiles (user_id, csv_data) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET csv_data = EXCLUDED.csv_data`

	if _, err := s.db.ExecContext(ctx, query, profile.UserID, profile.CSVData); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	s.logger.Debug("Profile saved",
		zap.String("user_id", profile.UserID),
		zap.Int("csv_bytes", len(profile.CSVData)))
	return nil
}

// GetStats returns upload counts
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	query := `SELECT COUNT(*) AS total_uploads, COUNT(DISTINCT user_id) AS total_users FROM user_uploads`

	var stats Stats
	if err := s.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to get upload stats: %w", err)
	}
	return &stats, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL hides the password of a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || strings.HasPrefix(userPart[colon+1:], "//") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
