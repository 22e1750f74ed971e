package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/export"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
	"github.com/raaihank/beacon-dashboard/internal/store"
)

// Day data scopes
const (
	ScopeLatest = "latest"
	ScopeAll    = "all"
)

// Where a view's data came from
const (
	SourceUpload  = "upload"
	SourceHistory = "history"
	SourceProfile = "profile"
)

// profileFilename names the profile text for format detection
const profileFilename = "profile.txt"

var errNoData = errors.New("no data for user")

type daysResponse struct {
	Scope  string              `json:"scope"`
	Source string              `json:"source"`
	Days   []sensor.DaySummary `json:"days"`
	Totals []sensor.DailyTotal `json:"totals"`
}

type dayResponse struct {
	ID           string               `json:"id"`
	Label        string               `json:"label"`
	Date         string               `json:"date"`
	Count        int                  `json:"count"`
	Source       string               `json:"source"`
	Window       *sensor.HourWindow   `json:"window,omitempty"`
	Measurements []sensor.Measurement `json:"measurements"`
}

type hourlyResponse struct {
	Scope     string                 `json:"scope"`
	TotalDays int                    `json:"totalDays"`
	Window    sensor.HourWindow      `json:"window"`
	Hours     []sensor.HourlyAverage `json:"hours"`
}

type heatmapResponse struct {
	Scope string `json:"scope"`
	sensor.HeatmapGrid
}

type zonesResponse struct {
	Scope string `json:"scope"`
	sensor.ZoneSummary
}

// dayData is the day sequence a view is computed from
type dayData struct {
	days   sensor.DayData
	source string
}

// loadDays returns the latest upload, or every upload merged for scope=all.
// Users without uploads fall back to the raw text stored on their profile.
func (s *Server) loadDays(ctx context.Context, userID, scope string) (*dayData, error) {
	switch scope {
	case ScopeAll:
		uploads, err := s.store.ListUploads(ctx, userID, s.config.Aggregate.HistoryLimit)
		if err != nil {
			return nil, err
		}
		if len(uploads) > 0 {
			return &dayData{days: sensor.MergeDays(uploads), source: SourceHistory}, nil
		}
	default:
		upload, err := s.store.LatestUpload(ctx, userID)
		if err == nil {
			return &dayData{days: upload.DayData, source: SourceUpload}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return s.profileDays(ctx, userID)
}

func (s *Server) profileDays(ctx context.Context, userID string) (*dayData, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNoData
	}
	if err != nil {
		return nil, err
	}
	if profile.CSVData == "" {
		return nil, errNoData
	}

	result, err := s.pipeline.Parse(ctx, []byte(profile.CSVData), profileFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile data: %w", err)
	}
	if result.Stats.ProcessedRecords == 0 {
		return nil, errNoData
	}

	s.logger.Debug("Serving profile fallback",
		zap.String("user_id", userID),
		zap.Int("days", result.DayData.Len()))
	return &dayData{days: result.DayData, source: SourceProfile}, nil
}

func (s *Server) writeLoadError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errNoData) {
		writeError(w, http.StatusNotFound, "No data found for user", nil)
		return
	}
	s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to load day data", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Database error", err)
}

// cachedView serves a view from the cache, building and storing it on a miss
func cachedView[T any](s *Server, ctx context.Context, userID, name string, params map[string]string, build func() (T, error)) (T, error) {
	var view T
	if s.cache != nil {
		hit := s.cache.Get(ctx, userID, name, params, &view)
		if s.metrics != nil {
			s.metrics.RecordCacheLookup(hit)
		}
		if hit {
			return view, nil
		}
	}

	view, err := build()
	if err != nil {
		return view, err
	}

	if s.cache != nil {
		// Set logs its own failures; a view that could not be cached is still served
		_ = s.cache.Set(ctx, userID, name, params, view)
	}
	return view, nil
}

func parseScope(r *http.Request) (string, error) {
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", ScopeLatest:
		return ScopeLatest, nil
	case ScopeAll:
		return ScopeAll, nil
	default:
		return "", fmt.Errorf("invalid scope %q (must be latest or all)", scope)
	}
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// handleListUploads lists the user's uploads, newest first
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	limit := parseInt(r.URL.Query().Get("limit"), 0)

	uploads, err := s.store.ListUploads(r.Context(), userID, limit)
	if err != nil {
		writeStoreError(w, err, "No uploads found")
		return
	}

	summaries := make([]sensor.UploadSummary, len(uploads))
	for i, u := range uploads {
		summaries[i] = u.Summary()
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": summaries})
}

func (s *Server) getUpload(w http.ResponseWriter, r *http.Request) (*sensor.Upload, bool) {
	vars := mux.Vars(r)
	id, err := uuid.Parse(vars["uploadId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload ID", err)
		return nil, false
	}

	upload, err := s.store.GetUpload(r.Context(), vars["userId"], id)
	if err != nil {
		writeStoreError(w, err, "Upload not found")
		return nil, false
	}
	return upload, true
}

// handleGetUpload returns one upload with its day data
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := s.getUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// handleExportUpload downloads one upload as csv, parquet or xlsx
func (s *Server) handleExportUpload(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported export format", err)
		return
	}

	upload, ok := s.getUpload(w, r)
	if !ok {
		return
	}

	s.writeExport(w, r, format, "upload-"+upload.ID.String(), upload.DayData)
}

// handleExportProfile downloads the profile fallback data in the canonical layout
func (s *Server) handleExportProfile(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported export format", err)
		return
	}

	userID := mux.Vars(r)["userId"]
	data, err := s.profileDays(r.Context(), userID)
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}

	s.writeExport(w, r, format, "profile-"+userID, data.days)
}

func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, format export.Format, name string, days sensor.DayData) {
	var buf bytes.Buffer
	if err := export.Write(&buf, format, days); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Export failed",
			zap.String("format", string(format)),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Export failed", err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+format.Extension()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleDays lists the day buckets with their per-zone totals
func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scope", err)
		return
	}
	userID := mux.Vars(r)["userId"]

	view, err := cachedView(s, r.Context(), userID, "days", map[string]string{"scope": scope}, func() (daysResponse, error) {
		data, err := s.loadDays(r.Context(), userID, scope)
		if err != nil {
			return daysResponse{}, err
		}
		return daysResponse{
			Scope:  scope,
			Source: data.source,
			Days:   data.days.Summaries(),
			Totals: sensor.DailyTotals(data.days),
		}, nil
	})
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDay returns the measurements of one day; window=display keeps the dashboard hours only
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scope", err)
		return
	}
	vars := mux.Vars(r)

	data, err := s.loadDays(r.Context(), vars["userId"], scope)
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}

	day, ok := data.days.Get(vars["dayId"])
	if !ok {
		writeError(w, http.StatusNotFound, "Day not found", nil)
		return
	}

	resp := dayResponse{
		ID:           day.ID,
		Date:         day.Date,
		Count:        len(day.Measurements),
		Source:       data.source,
		Measurements: day.Measurements,
	}
	for _, summary := range data.days.Summaries() {
		if summary.ID == day.ID {
			resp.Label = summary.Label
			break
		}
	}
	if r.URL.Query().Get("window") == "display" {
		window := s.displayWindow()
		resp.Window = &window
		resp.Measurements = sensor.FilterWindow(day.Measurements, s.loc, window)
	}
	if resp.Measurements == nil {
		resp.Measurements = []sensor.Measurement{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHourly returns the cross-day hourly averages inside the display window
func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scope", err)
		return
	}
	userID := mux.Vars(r)["userId"]
	window := s.displayWindow()

	view, err := cachedView(s, r.Context(), userID, "hourly", map[string]string{"scope": scope}, func() (hourlyResponse, error) {
		data, err := s.loadDays(r.Context(), userID, scope)
		if err != nil {
			return hourlyResponse{}, err
		}

		profile := sensor.HourlyAverages(data.days.Measurements(), s.loc)
		hours := make([]sensor.HourlyAverage, 0, len(window.Hours()))
		for _, h := range profile.Hours {
			if window.Contains(h.Hour) {
				hours = append(hours, h)
			}
		}
		return hourlyResponse{Scope: scope, TotalDays: profile.TotalDays, Window: window, Hours: hours}, nil
	})
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleHeatmap returns per-hour zone sums inside the heatmap window
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scope", err)
		return
	}
	userID := mux.Vars(r)["userId"]

	view, err := cachedView(s, r.Context(), userID, "heatmap", map[string]string{"scope": scope}, func() (heatmapResponse, error) {
		data, err := s.loadDays(r.Context(), userID, scope)
		if err != nil {
			return heatmapResponse{}, err
		}
		return heatmapResponse{
			Scope:       scope,
			HeatmapGrid: sensor.Heatmap(data.days.Measurements(), s.loc, s.heatmapWindow()),
		}, nil
	})
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleZones returns visitor totals and peak periods per zone
func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scope", err)
		return
	}

	mode := sensor.ZoneMode(r.URL.Query().Get("mode"))
	switch mode {
	case "":
		mode = sensor.ZoneModeHourly
	case sensor.ZoneModeHourly, sensor.ZoneModeDaily:
	default:
		writeError(w, http.StatusBadRequest, "Invalid mode", fmt.Errorf("invalid mode %q (must be hourly or daily)", mode))
		return
	}
	userID := mux.Vars(r)["userId"]

	params := map[string]string{"scope": scope, "mode": string(mode)}
	view, err := cachedView(s, r.Context(), userID, "zones", params, func() (zonesResponse, error) {
		data, err := s.loadDays(r.Context(), userID, scope)
		if err != nil {
			return zonesResponse{}, err
		}
		return zonesResponse{
			Scope:       scope,
			ZoneSummary: sensor.ZoneStats(data.days.Measurements(), s.loc, mode),
		}, nil
	})
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
