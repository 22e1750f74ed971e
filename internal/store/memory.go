package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// MemoryStore keeps uploads in process memory. Used in tests and when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	uploads  map[string][]*sensor.Upload
	profiles map[string]*sensor.Profile
	inserts  int
	failWith error
}

var _ UploadStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:  make(map[string][]*sensor.Upload),
		profiles: make(map[string]*sensor.Profile),
	}
}

// FailWrites makes every subsequent write return err; nil restores normal behaviour
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Writes returns how many writes succeeded
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts
}

// SetProfile stores a profile
func (m *MemoryStore) SetProfile(profile *sensor.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *profile
	m.profiles[profile.UserID] = &p
}

func (m *MemoryStore) InsertUpload(ctx context.Context, upload *sensor.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	prepare(upload)
	u := *upload
	m.uploads[upload.UserID] = append(m.uploads[upload.UserID], &u)
	m.inserts++
	return nil
}

func (m *MemoryStore) ReplaceLatestUpload(ctx context.Context, upload *sensor.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	latest := m.latestLocked(upload.UserID)
	if latest == nil {
		prepare(upload)
		u := *upload
		m.uploads[upload.UserID] = append(m.uploads[upload.UserID], &u)
		m.inserts++
		return nil
	}

	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = time.Now().UTC()
	}
	upload.ID = latest.ID
	*latest = *upload
	m.inserts++
	return nil
}

func (m *MemoryStore) ListUploads(ctx context.Context, userID string, limit int) ([]*sensor.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.uploads[userID]
	out := make([]*sensor.Upload, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		u := *stored[i]
		out = append(out, &u)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetUpload(ctx context.Context, userID string, id uuid.UUID) (*sensor.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.uploads[userID] {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LatestUpload(ctx context.Context, userID string) (*sensor.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := m.latestLocked(userID)
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *MemoryStore) latestLocked(userID string) *sensor.Upload {
	var latest *sensor.Upload
	for _, u := range m.uploads[userID] {
		if latest == nil || !u.UploadedAt.Before(latest.UploadedAt) {
			latest = u
		}
	}
	return latest
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (*sensor.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) SaveProfile(ctx context.Context, profile *sensor.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	c := *profile
	m.profiles[profile.UserID] = &c
	return nil
}

func (m *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{TotalUsers: int64(len(m.uploads))}
	for _, uploads := range m.uploads {
		stats.TotalUploads += int64(len(uploads))
	}
	return stats, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
