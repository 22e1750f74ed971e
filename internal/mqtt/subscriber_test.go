package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
)

type fakeIngester struct {
	calls    int
	filename string
	userID   string
	content  string
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, content []byte, filename, userID string) (*ingest.Result, error) {
	f.calls++
	f.filename = filename
	f.userID = userID
	f.content = string(content)
	return &ingest.Result{Stats: ingest.Stats{TotalRecords: 1, ProcessedRecords: 1}}, f.err
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestSubscriber_UserFromTopic(t *testing.T) {
	s := NewSubscriber(&Config{TopicPrefix: "site"}, nil, nil, nil)

	userID, err := s.UserFromTopic("site/user-42/upload")
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	for _, topic := range []string{
		"site//upload",
		"site/a/b/upload",
		"other/user-42/upload",
		"site/user-42/status",
	} {
		_, err := s.UserFromTopic(topic)
		assert.ErrorIs(t, err, ErrInvalidTopic, topic)
	}

	assert.Equal(t, "site/+/upload", s.Topic())
}

func TestSubscriber_HandleMessage(t *testing.T) {
	ingester := &fakeIngester{}

	var notified string
	s := NewSubscriber(&Config{}, ingester, nil, func(_ context.Context, userID string, result *ingest.Result, err error) {
		notified = userID
		assert.NoError(t, err)
		assert.Equal(t, 1, result.Stats.ProcessedRecords)
	})
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	payload := []byte("2024-01-01T10:00:00,Near:3,Medium:5,Far:1,Battery:87%")
	s.onMessage(context.Background())(nil, fakeMessage{topic: "beacons/user-1/upload", payload: payload})

	assert.Equal(t, 1, ingester.calls)
	assert.Equal(t, "user-1", ingester.userID)
	assert.Equal(t, "mqtt-1700000000.txt", ingester.filename)
	assert.Equal(t, string(payload), ingester.content)
	assert.Equal(t, "user-1", notified)
}

func TestSubscriber_HandleMessageErrors(t *testing.T) {
	ingester := &fakeIngester{err: ingest.ErrNoValidRecords}
	s := NewSubscriber(&Config{}, ingester, nil, nil)

	err := s.handleMessage(context.Background(), "beacons/user-1/upload", []byte("garbage"))
	assert.True(t, errors.Is(err, ingest.ErrNoValidRecords))

	err = s.handleMessage(context.Background(), "beacons/upload", []byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidTopic)
	assert.Equal(t, 1, ingester.calls)
}
