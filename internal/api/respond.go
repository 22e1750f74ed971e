package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
	"github.com/raaihank/beacon-dashboard/internal/store"
)

type errorResponse struct {
	Message string        `json:"message"`
	Error   string        `json:"error,omitempty"`
	Stats   *ingest.Stats `json:"stats,omitempty"`
}

type uploadResponse struct {
	Message  string              `json:"message"`
	UploadID uuid.UUID           `json:"uploadId"`
	Stats    ingest.Stats        `json:"stats"`
	Days     []sensor.DaySummary `json:"days"`
}

type profileResponse struct {
	Message string              `json:"message"`
	Stats   ingest.Stats        `json:"stats"`
	Days    []sensor.DaySummary `json:"days"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeIngestError maps a failed ingestion pass to its HTTP response
func writeIngestError(w http.ResponseWriter, result *ingest.Result, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "File and user ID are required", nil)
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, ingest.ErrUnsupportedFormat.Error(), nil)
	case errors.Is(err, ingest.ErrUnreadableParquet):
		writeError(w, http.StatusBadRequest, "Failed to read Parquet file", err)
	case errors.Is(err, ingest.ErrNoValidRecords):
		resp := errorResponse{Message: "No valid records found in file"}
		if result != nil {
			stats := result.Stats
			resp.Stats = &stats
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, ingest.ErrPersistence):
		writeError(w, http.StatusInternalServerError, "Database error", err)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to process file", err)
	}
}

// writeStoreError maps a read-side store failure to its HTTP response
func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound, nil)
		return
	}
	writeError(w, http.StatusInternalServerError, "Database error", err)
}
