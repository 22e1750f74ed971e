package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/cache"
	"github.com/raaihank/beacon-dashboard/internal/config"
	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/logger"
	"github.com/raaihank/beacon-dashboard/internal/metrics"
	"github.com/raaihank/beacon-dashboard/internal/ratelimit"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
	"github.com/raaihank/beacon-dashboard/internal/store"
	"github.com/raaihank/beacon-dashboard/internal/websocket"
)

const twoDayCSV = "Timestamp,Near,Medium,Far,Battery\n" +
	"2024-01-02T09:00:00Z,1,2,3,90\n" +
	"2024-01-01T09:30:00Z,4,0,0,89\n" +
	"2024-01-02T10:00:00Z,0,1,5,88\n"

const profileText = "Beacon export\n" +
	"2024-03-01T08:00:00Z,Near:2,Medium:1,Far:0,Battery:77\n" +
	"2024-03-01T23:00:00Z,Near:9,Medium:9,Far:9,Battery:76\n"

type testServer struct {
	*Server
	store *store.MemoryStore
}

func newTestServer(t *testing.T, configure func(*config.Config, *Deps)) *testServer {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false

	mem := store.NewMemoryStore()
	deps := Deps{Store: mem}
	if configure != nil {
		configure(cfg, &deps)
	}

	var opts []ingest.Option
	if deps.Metrics != nil {
		opts = append(opts, ingest.WithRecorder(deps.Metrics))
	}
	pipeline, err := ingest.NewPipeline(mem, &cfg.Ingest, zap.NewNop(), opts...)
	require.NoError(t, err)
	deps.Pipeline = pipeline

	srv, err := New(cfg, logger.NewNop(), deps)
	require.NoError(t, err)
	return &testServer{Server: srv, store: mem}
}

type filePart struct {
	field       string
	filename    string
	contentType string
	content     []byte
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, file *filePart) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if file != nil {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.filename))
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func uploadRequest(t *testing.T, userID, filename, contentType, content string) *http.Request {
	fields := map[string]string{}
	if userID != "" {
		fields["userId"] = userID
	}
	return multipartRequest(t, "POST", "/api/upload", fields, &filePart{
		field: "file", filename: filename, contentType: contentType, content: []byte(content),
	})
}

func serve(s *testServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestUpload_Success(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	resp := decode[uploadResponse](t, rec)
	assert.Equal(t, "Processed 3/3 records successfully", resp.Message)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", resp.UploadID.String())
	assert.Equal(t, 3, resp.Stats.TotalRecords)
	require.Len(t, resp.Days, 2)
	assert.Equal(t, sensor.DaySummary{ID: "day1", Label: "Day 1", Date: "2024-01-01", Count: 1}, resp.Days[0])
	assert.Equal(t, sensor.DaySummary{ID: "day2", Label: "Day 2", Date: "2024-01-02", Count: 2}, resp.Days[1])
	assert.Equal(t, 1, s.store.Writes())
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     func(t *testing.T) *http.Request
		status  int
		message string
	}{
		{
			name:    "missing user",
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "", "beacon.csv", "text/csv", twoDayCSV) },
			status:  http.StatusBadRequest,
			message: "File and user ID are required",
		},
		{
			name: "missing file",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "POST", "/api/upload", map[string]string{"userId": "user-1"}, nil)
			},
			status:  http.StatusBadRequest,
			message: "File and user ID are required",
		},
		{
			name:    "empty file",
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "user-1", "beacon.csv", "text/csv", "") },
			status:  http.StatusBadRequest,
			message: "File and user ID are required",
		},
		{
			name:    "unsupported type",
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "user-1", "photo.png", "image/png", "PNG") },
			status:  http.StatusBadRequest,
			message: ingest.ErrUnsupportedFormat.Error(),
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest("POST", "/api/upload", strings.NewReader(twoDayCSV))
			},
			status:  http.StatusBadRequest,
			message: "File and user ID are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := serve(s, tt.req(t))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decode[errorResponse](t, rec).Message)
			assert.Equal(t, 0, s.store.Writes())
		})
	}
}

func TestUpload_NoValidRecordsCarriesStats(t *testing.T) {
	s := newTestServer(t, nil)

	content := "timestamp,near,medium,far,battery\nyesterday,1,1,1,1\n,2,2,2,2\n"
	rec := serve(s, uploadRequest(t, "user-1", "bad.csv", "text/csv", content))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "No valid records found in file", resp.Message)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 2, resp.Stats.TotalRecords)
	assert.Equal(t, 2, resp.Stats.SkipReasons.InvalidTimestamp)
	assert.Equal(t, 0, s.store.Writes())
}

func TestUpload_DatabaseError(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.FailWrites(fmt.Errorf("connection refused"))

	rec := serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "Database error", resp.Message)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *Deps) {
		cfg.Ingest.MaxUploadMB = 1
	})

	big := strings.Repeat("2024-01-01T09:00:00Z,1,1,1,90\n", 100_000)
	rec := serve(s, uploadRequest(t, "user-1", "big.csv", "text/csv", "timestamp,near,medium,far,battery\n"+big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, s.store.Writes())
}

func TestUpload_RateLimited(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.RateLimit = ratelimit.Config{Enabled: true, RequestsPerMin: 1, Burst: 1}
		deps.Limiter = ratelimit.New(&cfg.RateLimit)
	})

	first := serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV))
	require.Equal(t, http.StatusOK, first.Code)

	second := serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Equal(t, 1, s.store.Writes())

	// Reads are not limited
	assert.Equal(t, http.StatusOK, serve(s, httptest.NewRequest("GET", "/api/users/user-1/days", nil)).Code)
}

func TestViews_AfterUpload(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV)).Code)

	t.Run("days", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/days", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[daysResponse](t, rec)
		assert.Equal(t, ScopeLatest, resp.Scope)
		assert.Equal(t, SourceUpload, resp.Source)
		require.Len(t, resp.Days, 2)
		require.Len(t, resp.Totals, 2)
		assert.Equal(t, sensor.DailyTotal{ID: "day2", Date: "2024-01-02", Near: 1, Medium: 3, Far: 8}, resp.Totals[1])
	})

	t.Run("day", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/days/day2", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[dayResponse](t, rec)
		assert.Equal(t, "Day 2", resp.Label)
		assert.Equal(t, 2, resp.Count)
		require.Len(t, resp.Measurements, 2)
		assert.Equal(t, 9, resp.Measurements[0].Timestamp.Hour())
	})

	t.Run("unknown day", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/days/day9", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("hourly", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/hourly", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[hourlyResponse](t, rec)
		assert.Equal(t, 2, resp.TotalDays)
		require.Len(t, resp.Hours, 17)
		assert.Equal(t, 6, resp.Hours[0].Hour)
		nine := resp.Hours[3]
		assert.Equal(t, 9, nine.Hour)
		assert.InDelta(t, 2.5, nine.Near, 1e-9)
		assert.Equal(t, 2, nine.ContributingDays)
	})

	t.Run("heatmap", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/heatmap", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[heatmapResponse](t, rec)
		require.Len(t, resp.Hours, 16)
		assert.Equal(t, 5, resp.Data[0][3])
		assert.Equal(t, 5, resp.Data[2][4])
	})

	t.Run("zones", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/zones?mode=daily", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[zonesResponse](t, rec)
		assert.Equal(t, sensor.ZoneModeDaily, resp.Mode)
		require.Len(t, resp.Zones, 3)
		assert.Equal(t, 5, resp.Zones[0].Visitors)
	})

	t.Run("bad query", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, serve(s, httptest.NewRequest("GET", "/api/users/user-1/zones?mode=weekly", nil)).Code)
		assert.Equal(t, http.StatusBadRequest, serve(s, httptest.NewRequest("GET", "/api/users/user-1/days?scope=some", nil)).Code)
	})

	t.Run("no data", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest("GET", "/api/users/nobody/heatmap", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUploads_ListGetExport(t *testing.T) {
	s := newTestServer(t, nil)
	first := decode[uploadResponse](t, serve(s, uploadRequest(t, "user-1", "a.csv", "text/csv", twoDayCSV)))
	time.Sleep(2 * time.Millisecond)
	second := decode[uploadResponse](t, serve(s, uploadRequest(t, "user-1", "b.csv", "text/csv", twoDayCSV)))

	rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]sensor.UploadSummary](t, rec)["uploads"]
	require.Len(t, list, 2)
	assert.Equal(t, second.UploadID, list[0].ID)
	assert.Equal(t, "b.csv", list[0].OriginalFilename)

	rec = serve(s, httptest.NewRequest("GET", "/api/users/user-1/uploads/"+first.UploadID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	upload := decode[sensor.Upload](t, rec)
	assert.Equal(t, "a.csv", upload.OriginalFilename)
	assert.Equal(t, 2, upload.DayData.Len())

	rec = serve(s, httptest.NewRequest("GET", "/api/users/user-1/uploads/"+first.UploadID.String()+"/export?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "upload-"+first.UploadID.String()+".csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Timestamp,Near,Medium,Far,Battery,BeaconID", lines[0])
	assert.Equal(t, "2024-01-01T09:30:00.000Z,4,0,0,89,1", lines[1])

	assert.Equal(t, http.StatusBadRequest,
		serve(s, httptest.NewRequest("GET", "/api/users/user-1/uploads/"+first.UploadID.String()+"/export?format=pdf", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, serve(s, httptest.NewRequest("GET", "/api/users/user-1/uploads/not-a-uuid", nil)).Code)
	assert.Equal(t, http.StatusNotFound,
		serve(s, httptest.NewRequest("GET", "/api/users/user-2/uploads/"+first.UploadID.String(), nil)).Code)
}

func TestDays_AllScopeMergesUploads(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, serve(s, uploadRequest(t, "user-1", "a.csv", "text/csv", twoDayCSV)).Code)
	later := "Timestamp,Near,Medium,Far,Battery\n2024-01-05T12:00:00Z,1,1,1,80\n"
	require.Equal(t, http.StatusOK, serve(s, uploadRequest(t, "user-1", "b.csv", "text/csv", later)).Code)

	latest := decode[daysResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/days", nil)))
	require.Len(t, latest.Days, 1)
	assert.Equal(t, "2024-01-05", latest.Days[0].Date)

	all := decode[daysResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/days?scope=all", nil)))
	assert.Equal(t, SourceHistory, all.Source)
	require.Len(t, all.Days, 3)
	assert.Equal(t, "day3", all.Days[2].ID)
	assert.Equal(t, "2024-01-05", all.Days[2].Date)
}

func TestProfile_FallbackAndSave(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.SetProfile(&sensor.Profile{UserID: "user-1", CSVData: profileText})

	days := decode[daysResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/days", nil)))
	assert.Equal(t, SourceProfile, days.Source)
	require.Len(t, days.Days, 1)
	assert.Equal(t, 2, days.Days[0].Count)

	rec := serve(s, httptest.NewRequest("GET", "/api/users/user-1/days/day1?window=display", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[dayResponse](t, rec)
	assert.Equal(t, 2, day.Count)
	require.Len(t, day.Measurements, 1, "the 23:00 reading is outside the display window")
	assert.Equal(t, 2, day.Measurements[0].Near)

	replacement := "2024-04-01T10:00:00Z,Near:1,Medium:1,Far:1,Battery:50\n"
	rec = serve(s, multipartRequest(t, "PUT", "/api/users/user-2/profile", nil, &filePart{
		field: "csv_data", filename: "beacon.txt", contentType: "text/plain", content: []byte(replacement),
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Processed 1/1 records successfully", decode[profileResponse](t, rec).Message)

	profile, err := s.store.GetProfile(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, replacement, profile.CSVData)

	rec = serve(s, httptest.NewRequest("GET", "/api/users/user-2/profile/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2024-04-01T10:00:00.000Z,1,1,1,50,1")
}

func TestProfile_SaveRejectsUnusableFiles(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, multipartRequest(t, "PUT", "/api/users/user-1/profile", nil, &filePart{
		field: "csv_data", filename: "export.parquet", contentType: "application/octet-stream", content: []byte("PAR1"),
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, multipartRequest(t, "PUT", "/api/users/user-1/profile", nil, &filePart{
		field: "csv_data", filename: "beacon.txt", contentType: "text/plain", content: []byte("title only\n"),
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := s.store.GetProfile(context.Background(), "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestViews_CachedAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	manager := metrics.NewManager()
	s := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		deps.Cache = cache.NewViewCacheFromClient(client, &cache.Config{DefaultTTL: time.Minute}, nil)
		deps.Metrics = manager
	})

	require.Equal(t, http.StatusOK, serve(s, uploadRequest(t, "user-1", "a.csv", "text/csv", twoDayCSV)).Code)

	first := decode[zonesResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/zones", nil)))
	again := decode[zonesResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/zones", nil)))
	assert.Equal(t, first, again)
	assert.Equal(t, 5, first.Zones[0].Visitors)

	later := "Timestamp,Near,Medium,Far,Battery\n2024-01-05T12:00:00Z,7,0,0,80\n"
	require.Equal(t, http.StatusOK, serve(s, uploadRequest(t, "user-1", "b.csv", "text/csv", later)).Code)

	fresh := decode[zonesResponse](t, serve(s, httptest.NewRequest("GET", "/api/users/user-1/zones", nil)))
	assert.Equal(t, 7, fresh.Zones[0].Visitors)

	rec := serve(s, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `beacon_dashboard_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, body, `beacon_dashboard_cache_lookups_total{result="miss"} 2`)
	assert.Contains(t, body, `beacon_dashboard_uploads_total{format="csv",status="ok"} 2`)
	assert.Contains(t, body, `route="/api/users/{userId}/zones"`)
}

func TestUpload_BroadcastsToSubscribers(t *testing.T) {
	hub := websocket.NewHub(&websocket.HubConfig{Enabled: true, BroadcastUploads: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	s := newTestServer(t, func(_ *config.Config, deps *Deps) {
		deps.Hub = hub
	})
	httpSrv := httptest.NewServer(s.Handler())
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?userId=user-1"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.GetStats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := serve(s, uploadRequest(t, "user-1", "beacon.csv", "text/csv", twoDayCSV))
	require.Equal(t, http.StatusOK, rec.Code)
	uploaded := decode[uploadResponse](t, rec)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event struct {
		Type      websocket.EventType            `json:"type"`
		RequestID string                         `json:"request_id"`
		Data      websocket.UploadCompletedEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, websocket.EventTypeUploadCompleted, event.Type)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), event.RequestID)
	assert.Equal(t, uploaded.UploadID.String(), event.Data.UploadID)
	assert.Equal(t, SourceHTTP, event.Data.Source)
	assert.Equal(t, "csv", event.Data.Format)
	assert.Equal(t, 3, event.Data.Stats.ProcessedRecords)
}

func TestHealthAndInfo(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	rec = serve(s, httptest.NewRequest("GET", "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[infoResponse](t, rec)
	assert.Equal(t, "beacon-dashboard", info.Name)
	assert.Equal(t, ingest.PolicyAppend, info.UploadPolicy)
	assert.False(t, info.CacheEnabled)
	require.NotNil(t, info.Store)
	assert.Equal(t, int64(0), info.Store.TotalUploads)

	rec = serve(s, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Beacon Dashboard")
}

func TestNew_RequiresStoreAndPipeline(t *testing.T) {
	_, err := New(config.GetDefaults(), logger.NewNop(), Deps{})
	assert.Error(t, err)
}
