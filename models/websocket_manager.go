package models

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// JobEvent is pushed to websocket subscribers when a job changes state.
type JobEvent struct {
	Type            string    `json:"type"`
	JobID           string    `json:"job_id"`
	Tenant          string    `json:"-"`
	URL             string    `json:"url"`
	Outfile         string    `json:"outfile"`
	Status          JobStatus `json:"status"`
	DownloadedBytes int64     `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewJobEvent builds an event for job in the given status.
func NewJobEvent(job *Job, status JobStatus) JobEvent {
	return JobEvent{
		Type:      "job_update",
		JobID:     job.ID,
		Tenant:    job.RequesterID,
		URL:       job.SourceURL,
		Outfile:   job.Outfile(),
		Status:    status,
		Timestamp: time.Now(),
	}
}

const (
	// broadcastBuffer bounds events waiting for the manager loop.
	broadcastBuffer = 256
	// writeWait bounds one write to a client; slower clients are dropped.
	writeWait = 5 * time.Second
)

type subscription struct {
	conn   *websocket.Conn
	tenant string
}

// WebSocketManager handles WebSocket connections and broadcasts job events
// to the subscribers of the event's tenant.
type WebSocketManager struct {
	clients    map[*websocket.Conn]string
	broadcast  chan JobEvent
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	logger     *slog.Logger
	writeWait  time.Duration
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(logger *slog.Logger) *WebSocketManager {
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan JobEvent, broadcastBuffer),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket")),
		writeWait:  writeWait,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// all client connections.
func (wsm *WebSocketManager) Run(ctx context.Context) error {
	defer close(wsm.done)
	for {
		select {
		case <-ctx.Done():
			wsm.mu.Lock()
			for client := range wsm.clients {
				client.Close()
				delete(wsm.clients, client)
			}
			wsm.mu.Unlock()
			return nil
		case sub := <-wsm.register:
			wsm.mu.Lock()
			wsm.clients[sub.conn] = sub.tenant
			total := len(wsm.clients)
			wsm.mu.Unlock()
			wsm.logger.Debug("websocket client connected",
				slog.String("tenant", sub.tenant),
				slog.Int("clients", total),
			)
		case client := <-wsm.unregister:
			wsm.mu.Lock()
			if _, ok := wsm.clients[client]; ok {
				delete(wsm.clients, client)
				client.Close()
			}
			total := len(wsm.clients)
			wsm.mu.Unlock()
			wsm.logger.Debug("websocket client disconnected", slog.Int("clients", total))
		case event := <-wsm.broadcast:
			wsm.send(event)
		}
	}
}

func (wsm *WebSocketManager) send(event JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wsm.logger.Error("marshal job event", slog.String("error", err.Error()))
		return
	}

	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	for client, tenant := range wsm.clients {
		if tenant != event.Tenant {
			continue
		}
		client.SetWriteDeadline(time.Now().Add(wsm.writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			wsm.logger.Warn("websocket write failed", slog.String("error", err.Error()))
			client.Close()
			delete(wsm.clients, client)
		}
	}
}

// Publish queues an event for broadcast. It never blocks: when the buffer
// is full the event is dropped.
func (wsm *WebSocketManager) Publish(event JobEvent) {
	select {
	case wsm.broadcast <- event:
	default:
		wsm.logger.Debug("job event dropped", slog.String("job_id", event.JobID))
	}
}

// RegisterClient subscribes conn to the events of tenant.
func (wsm *WebSocketManager) RegisterClient(ctx context.Context, conn *websocket.Conn, tenant string) {
	select {
	case wsm.register <- subscription{conn: conn, tenant: tenant}:
	case <-ctx.Done():
		conn.Close()
	case <-wsm.done:
		conn.Close()
	}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(ctx context.Context, conn *websocket.Conn) {
	select {
	case wsm.unregister <- conn:
	case <-ctx.Done():
	case <-wsm.done:
	}
}

// ClientCount returns the number of connected clients.
func (wsm *WebSocketManager) ClientCount() int {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	return len(wsm.clients)
}
