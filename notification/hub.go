package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"buildforge/shared/model"
)

const writeWait = 5 * time.Second

type WebSocketClient struct {
	conn     *websocket.Conn
	buildID  string
	clientID string
	writeMu  sync.Mutex
}

func (c *WebSocketClient) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// NotificationService pushes build events to connected websocket clients.
type NotificationService struct {
	clients      map[string]*WebSocketClient
	clientsMutex sync.RWMutex
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

func NewNotificationService(logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationService{
		clients: make(map[string]*WebSocketClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// buildUpdate is what clients receive for every committed event.
type buildUpdate struct {
	Type      string          `json:"type"`
	BuildID   string          `json:"buildId"`
	EventType model.EventType `json:"eventType"`
	From      model.Status    `json:"from"`
	Status    model.Status    `json:"status"`
	Final     bool            `json:"final"`
	Version   int64           `json:"version"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Time      time.Time       `json:"time"`
}

// HandleWebSocket registers a client. An empty buildId subscribes to all
// builds; a reconnect with the same clientId replaces the old connection.
func (ns *NotificationService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	buildID := r.URL.Query().Get("buildId")
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}

	conn, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ns.logger.Warn("websocket upgrade failed",
			"event", "notification_upgrade_failed",
			"module", "notification",
			"layer", "transport",
			"client_id", clientID,
			"error", err.Error(),
		)
		return
	}

	client := &WebSocketClient{
		conn:     conn,
		buildID:  buildID,
		clientID: clientID,
	}

	ns.clientsMutex.Lock()
	if previous, ok := ns.clients[clientID]; ok {
		_ = previous.conn.Close()
	}
	ns.clients[clientID] = client
	ns.clientsMutex.Unlock()

	defer func() {
		ns.clientsMutex.Lock()
		if ns.clients[clientID] == client {
			delete(ns.clients, clientID)
		}
		ns.clientsMutex.Unlock()
		conn.Close()
	}()

	// Reads only drive ping/pong and notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ns.logger.Warn("websocket closed unexpectedly",
					"event", "notification_client_error",
					"module", "notification",
					"layer", "transport",
					"client_id", clientID,
					"error", err.Error(),
				)
			}
			return
		}
	}
}

// BroadcastEvent sends event to every client watching its build or all
// builds and reports how many received it.
func (ns *NotificationService) BroadcastEvent(event model.Event) int {
	update := buildUpdate{
		Type:      "status",
		BuildID:   event.BuildID,
		EventType: event.EventType,
		From:      event.FromStatus,
		Status:    event.ToStatus,
		Final:     event.ToStatus.IsTerminal(),
		Version:   event.BuildVersion,
		Metadata:  event.Metadata,
		Time:      event.Timestamp,
	}
	if update.Final {
		update.Type = "completion"
	}

	ns.clientsMutex.RLock()
	targets := make([]*WebSocketClient, 0, len(ns.clients))
	for _, client := range ns.clients {
		if client.buildID == "" || client.buildID == event.BuildID {
			targets = append(targets, client)
		}
	}
	ns.clientsMutex.RUnlock()

	delivered := 0
	for _, client := range targets {
		if err := client.send(update); err != nil {
			// The read loop removes the client.
			ns.logger.Warn("websocket send failed",
				"event", "notification_send_failed",
				"module", "notification",
				"layer", "transport",
				"client_id", client.clientID,
				"build_id", event.BuildID,
				"error", err.Error(),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (ns *NotificationService) ClientCount() int {
	ns.clientsMutex.RLock()
	defer ns.clientsMutex.RUnlock()
	return len(ns.clients)
}
