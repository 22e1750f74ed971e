package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// ErrRejected is returned when the server answers with a 4xx or 5xx status
var ErrRejected = errors.New("upload rejected")

// UploadResult is the server's answer to a successful upload
type UploadResult struct {
	Message  string              `json:"message"`
	UploadID string              `json:"uploadId"`
	Stats    ingest.Stats        `json:"stats"`
	Days     []sensor.DaySummary `json:"days"`
}

type uploadError struct {
	Message string        `json:"message"`
	Error   string        `json:"error"`
	Stats   *ingest.Stats `json:"stats"`
}

// Uploader posts files to a running dashboard server
type Uploader struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewUploader creates an uploader for the server at baseURL
func NewUploader(baseURL string, timeout time.Duration, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Uploader{httpClient: client, logger: logger}
}

// Upload sends content as the multipart upload of userID
func (u *Uploader) Upload(ctx context.Context, filename string, content []byte, userID string) (*UploadResult, error) {
	var result UploadResult
	var failure uploadError

	resp, err := u.httpClient.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(content)).
		SetFormData(map[string]string{"userId": userID}).
		SetResult(&result).
		SetError(&failure).
		Post("/api/upload")
	if err != nil {
		return nil, fmt.Errorf("failed to call upload API: %w", err)
	}

	if resp.IsError() {
		u.logger.Error("Upload rejected by server",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", failure.Message),
			zap.String("error", failure.Error))

		msg := failure.Message
		if failure.Error != "" {
			msg += ": " + failure.Error
		}
		if failure.Stats != nil {
			msg += fmt.Sprintf(" (%d rows, %d invalid timestamps, %d invalid data)",
				failure.Stats.TotalRecords, failure.Stats.SkipReasons.InvalidTimestamp, failure.Stats.SkipReasons.InvalidData)
		}
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode(), msg)
	}

	u.logger.Info("Upload accepted",
		zap.String("upload_id", result.UploadID),
		zap.Int("processed_records", result.Stats.ProcessedRecords),
		zap.Int("days", len(result.Days)))
	return &result, nil
}
