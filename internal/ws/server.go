package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"gobii_runner/internal/auth"
	"gobii_runner/internal/execution"
	"gobii_runner/internal/model"
)

// Socket.IO event names
const (
	EventConnected    = "connected"
	EventTasksInitial = "tasks:initial"
	EventTasksUpdate  = "tasks:update"
	EventRequestTasks = "request:tasks"
	EventError        = "error"
)

// TokenParser validates handshake tokens
type TokenParser interface {
	ParseToken(token string) (*auth.Claims, error)
}

// TaskLister supplies the full task list sent to new clients
type TaskLister interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
}

// Hub pushes task events to Socket.IO clients
type Hub struct {
	server *socketio.Server
	tokens TokenParser
	tasks  TaskLister
	logger *logrus.Entry
}

// NewHub creates the Socket.IO server and registers its handlers
func NewHub(tokens TokenParser, tasks TaskLister, logger *logrus.Entry) *Hub {
	allowAll := func(r *http.Request) bool { return true }
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: allowAll},
			&websocket.Transport{CheckOrigin: allowAll},
		},
	})

	h := &Hub{
		server: server,
		tokens: tokens,
		tasks:  tasks,
		logger: logger.WithField("component", "ws"),
	}

	server.OnConnect("/", func(s socketio.Conn) error {
		h.logger.Infof("Client connected: %s", s.ID())
		s.Emit(EventConnected, map[string]interface{}{"ok": true})
		h.sendTasks(s)
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		h.logger.Infof("Client disconnected: %s, reason: %s", s.ID(), reason)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			h.logger.Errorf("Server error: %v", e)
			return
		}
		h.logger.Errorf("Error for client %s: %v", s.ID(), e)
	})

	server.OnEvent("/", EventRequestTasks, func(s socketio.Conn) {
		h.sendTasks(s)
	})

	return h
}

// Start runs the Socket.IO event loop in the background
func (h *Hub) Start() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.Errorf("Socket.IO server stopped: %v", err)
		}
	}()
	h.logger.Info("Socket.IO server started")
}

// Close shuts the Socket.IO server down
func (h *Hub) Close() error {
	return h.server.Close()
}

// Notify broadcasts an execution event to every connected client
func (h *Hub) Notify(e execution.Event) {
	h.server.BroadcastToNamespace("/", EventTasksUpdate, e)
}

// Handler returns the Socket.IO HTTP handler with JWT checks on the handshake
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			h.logger.Warnf("Handshake rejected: no token from %s", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := h.tokens.ParseToken(token); err != nil {
			h.logger.Warnf("Handshake rejected: invalid token from %s: %v", r.RemoteAddr, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.server.ServeHTTP(w, r)
	})
}

func (h *Hub) sendTasks(s socketio.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tasks, err := h.tasks.ListTasks(ctx)
	if err != nil {
		h.logger.Errorf("Failed to load tasks for client %s: %v", s.ID(), err)
		s.Emit(EventError, map[string]interface{}{"message": "failed to load tasks"})
		return
	}
	s.Emit(EventTasksInitial, map[string]interface{}{
		"items": tasks,
		"total": len(tasks),
	})
}

// extractToken reads the token from the query string or a Bearer header
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
