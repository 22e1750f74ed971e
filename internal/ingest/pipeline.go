package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// Store is the write side of the upload store used by the pipeline
type Store interface {
	InsertUpload(ctx context.Context, upload *sensor.Upload) error
	ReplaceLatestUpload(ctx context.Context, upload *sensor.Upload) error
}

// Recorder observes finished ingestion passes
type Recorder interface {
	RecordIngest(result *Result, err error)
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRecorder reports every pass to r
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// Pipeline parses a file, groups its measurements by day and writes one upload.
// It keeps no state between calls.
type Pipeline struct {
	store    Store
	config   *Config
	parser   *Parser
	rows     *RowParser
	recorder Recorder
	logger   *zap.Logger
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(store Store, config *Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loc := time.UTC
	if config.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid ingest timezone %q: %w", config.Timezone, err)
		}
	}

	switch config.UploadPolicy {
	case "", PolicyAppend, PolicyReplace:
	default:
		return nil, fmt.Errorf("invalid upload policy: %s (must be append or replace)", config.UploadPolicy)
	}

	p := &Pipeline{
		store:  store,
		config: config,
		parser: NewParser(ParserOptions{
			RelaxedQuotes: config.RelaxedQuotes,
			Salvage:       config.Salvage,
		}, logger),
		rows:   NewRowParser(NewTimestampParser(loc), config.DebugErrors, logger),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest parses content and writes it as one upload of userID.
// The returned Result carries stats even when the error is ErrNoValidRecords or ErrPersistence.
func (p *Pipeline) Ingest(ctx context.Context, content []byte, filename, userID string) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(userID) == "" || len(content) == 0 {
		return p.finish(&Result{}, ErrInvalidInput, start)
	}

	result, err := p.Parse(ctx, content, filename)
	if err != nil {
		return p.finish(result, err, start)
	}

	if result.Stats.ProcessedRecords == 0 {
		p.logger.Warn("No valid records in upload",
			zap.String("user_id", userID),
			zap.String("filename", filename),
			zap.Int("total_records", result.Stats.TotalRecords),
			zap.Int("invalid_timestamp", result.Stats.SkipReasons.InvalidTimestamp),
			zap.Int("invalid_data", result.Stats.SkipReasons.InvalidData))
		return p.finish(result, ErrNoValidRecords, start)
	}

	if p.store == nil {
		return p.finish(result, fmt.Errorf("%w: no store configured", ErrPersistence), start)
	}

	upload := &sensor.Upload{
		UserID:           userID,
		OriginalFilename: filename,
		DayData:          result.DayData,
	}

	if p.config.UploadPolicy == PolicyReplace {
		err = p.store.ReplaceLatestUpload(ctx, upload)
	} else {
		err = p.store.InsertUpload(ctx, upload)
	}
	if err != nil {
		p.logger.Error("Failed to persist upload",
			zap.String("user_id", userID),
			zap.String("filename", filename),
			zap.Error(err))
		return p.finish(result, fmt.Errorf("%w: %w", ErrPersistence, err), start)
	}

	result.Upload = upload

	p.logger.Info("Upload ingested",
		zap.String("upload_id", upload.ID.String()),
		zap.String("user_id", userID),
		zap.String("filename", filename),
		zap.String("format", string(result.Format)),
		zap.Int("total_records", result.Stats.TotalRecords),
		zap.Int("processed_records", result.Stats.ProcessedRecords),
		zap.Int("days", upload.DayData.Len()))

	return p.finish(result, nil, start)
}

// Parse runs detection, row parsing and day grouping without writing anything
func (p *Pipeline) Parse(ctx context.Context, content []byte, filename string) (*Result, error) {
	result := &Result{}

	rows, format, err := p.parser.ParseFile(content, filename)
	result.Format = format
	if err != nil {
		return result, err
	}

	p.logger.Debug("Detected file format",
		zap.String("filename", filename),
		zap.String("format", string(format)),
		zap.Int("rows", len(rows)))

	measurements := make([]sensor.Measurement, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Stats.TotalRecords++

		m, err := p.rows.Parse(row)
		if err != nil {
			var rowErr *RowError
			if errors.As(err, &rowErr) && rowErr.Reason == ReasonInvalidTimestamp {
				result.Stats.SkipReasons.InvalidTimestamp++
			} else {
				result.Stats.SkipReasons.InvalidData++
			}
			p.logger.Debug("Skipping row", zap.Error(err))
			continue
		}

		measurements = append(measurements, m)
	}

	result.Stats.ProcessedRecords = len(measurements)
	result.DayData = sensor.GroupByDay(measurements)
	result.Days = result.DayData.Summaries()

	return result, nil
}

func (p *Pipeline) finish(result *Result, err error, start time.Time) (*Result, error) {
	result.Duration = time.Since(start)
	if p.recorder != nil {
		p.recorder.RecordIngest(result, err)
	}
	return result, err
}
