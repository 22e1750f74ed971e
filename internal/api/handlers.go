package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
	"github.com/raaihank/beacon-dashboard/internal/websocket"
)

// multipartOverhead is allowed on top of the file limit for boundaries and form fields
const multipartOverhead = 1 << 20

// SourceHTTP tags uploads received through the upload route
const SourceHTTP = "http"

// handleUpload ingests a multipart upload: a "file" part and a "userId" field
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	content, header, ok := s.readFormFile(w, r, "file")
	if !ok {
		return
	}

	userID := r.FormValue("userId")
	if content == nil || userID == "" {
		writeIngestError(w, nil, ingest.ErrInvalidInput)
		return
	}

	if err := ingest.AcceptUpload(header.Filename, header.Header.Get("Content-Type")); err != nil {
		log.Warn("Rejected upload type",
			zap.String("filename", header.Filename),
			zap.String("content_type", header.Header.Get("Content-Type")))
		writeIngestError(w, nil, err)
		return
	}

	result, err := s.pipeline.Ingest(r.Context(), content, header.Filename, userID)
	if err != nil {
		writeIngestError(w, result, err)
		return
	}

	s.UploadCompleted(r.Context(), requestID, SourceHTTP, result)

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:  result.Message(),
		UploadID: result.Upload.ID,
		Stats:    result.Stats,
		Days:     result.Days,
	})
}

// UploadCompleted invalidates the user's cached views and announces the upload.
// Every ingestion source calls it after a successful write.
func (s *Server) UploadCompleted(ctx context.Context, requestID, source string, result *ingest.Result) {
	if result == nil || result.Upload == nil {
		return
	}
	upload := result.Upload

	s.invalidate(ctx, upload.UserID)

	if s.wsHub != nil {
		s.wsHub.BroadcastUpload(requestID, websocket.UploadCompletedEvent{
			UploadID:         upload.ID.String(),
			UserID:           upload.UserID,
			OriginalFilename: upload.OriginalFilename,
			Source:           source,
			Format:           string(result.Format),
			Stats:            result.Stats,
			Days:             result.Days,
		})
	}
}

func (s *Server) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("Failed to invalidate cached views", zap.String("user_id", userID), zap.Error(err))
	}
}

// handleSaveProfile stores a raw text export as the user's profile fallback.
// The text is parsed first so a profile never holds data without a single valid row.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	content, header, ok := s.readFormFile(w, r, "csv_data")
	if !ok {
		return
	}
	if content == nil {
		writeError(w, http.StatusBadRequest, "csv_data file is required", nil)
		return
	}

	err := ingest.AcceptUpload(header.Filename, header.Header.Get("Content-Type"))
	if err == nil && ingest.DetectFormat(content, header.Filename) == ingest.FormatParquet {
		err = ingest.ErrUnsupportedFormat
	}
	if err != nil {
		writeIngestError(w, nil, err)
		return
	}

	result, err := s.pipeline.Parse(r.Context(), content, header.Filename)
	if err == nil && result.Stats.ProcessedRecords == 0 {
		err = ingest.ErrNoValidRecords
	}
	if err != nil {
		writeIngestError(w, result, err)
		return
	}

	if err := s.store.SaveProfile(r.Context(), &sensor.Profile{UserID: userID, CSVData: string(content)}); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to save profile",
			zap.String("user_id", userID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error", err)
		return
	}

	s.invalidate(r.Context(), userID)

	writeJSON(w, http.StatusOK, profileResponse{
		Message: result.Message(),
		Stats:   result.Stats,
		Days:    result.Days,
	})
}

// readFormFile parses the multipart body within the configured size limit and reads one file part.
// A missing part yields nil content with ok set; ok is false once a response has been written.
func (s *Server) readFormFile(w http.ResponseWriter, r *http.Request, field string) ([]byte, *multipart.FileHeader, bool) {
	limit := int64(s.config.Ingest.MaxUploadMB) << 20
	if r.ContentLength > limit+multipartOverhead {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", nil)
		return nil, nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large", nil)
			return nil, nil, false
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil, true
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return nil, nil, false
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, true
	}
	defer file.Close()

	if header.Size > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", nil)
		return nil, nil, false
	}

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file", err)
		return nil, nil, false
	}
	if len(content) == 0 {
		return nil, header, true
	}
	return content, header, true
}
