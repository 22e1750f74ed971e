package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeUploadCompleted is sent after an upload has been persisted
	EventTypeUploadCompleted EventType = "upload_completed"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	UserID    string    `json:"user_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// UploadCompletedEvent tells dashboards that a user's data changed
type UploadCompletedEvent struct {
	UploadID         string              `json:"upload_id"`
	UserID           string              `json:"user_id"`
	OriginalFilename string              `json:"original_filename"`
	Source           string              `json:"source"`
	Format           string              `json:"format"`
	Stats            ingest.Stats        `json:"stats"`
	Days             []sensor.DaySummary `json:"days"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalUploads     int64  `json:"total_uploads"`
	TotalUsers       int64  `json:"total_users"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows the events a client receives
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
	// UserIDs limits user scoped events to these users; empty means all users
	UserIDs []string `json:"user_ids,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
