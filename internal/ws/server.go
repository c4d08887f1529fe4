package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tetatet/internal/models"
	"tetatet/internal/presence"
)

// tokenResolver maps a live auth token to its user.
type tokenResolver interface {
	GetUser(token string) (models.User, error)
}

type Server struct {
	logger   *zap.SugaredLogger
	auth     tokenResolver
	svc      messenger
	users    directory
	hub      *Hub
	registry *presence.Registry
	upgrader *websocket.Upgrader
}

func NewServer(
	logger *zap.SugaredLogger,
	auth tokenResolver,
	svc messenger,
	users directory,
	hub *Hub,
	registry *presence.Registry,
) *Server {
	return &Server{
		logger:   logger,
		auth:     auth,
		svc:      svc,
		users:    users,
		hub:      hub,
		registry: registry,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleChat authenticates the request, upgrades it to a websocket and runs
// the connection until the client goes away. A user opening a second
// connection displaces the first one.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUser(connectionToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	connID := uuid.NewString()
	conn := NewConnection(connID, s.logger, sock, user, s.svc, s.users)
	s.hub.Add(conn)

	prev, replaced := s.registry.Connect(user.ID, connID)
	if replaced {
		// Last connect wins: close out the displaced connection. Its own
		// handler cleans up behind it.
		if old, ok := s.hub.Get(prev); ok {
			_ = old.Close()
		}
		s.logger.Infow("connection displaced",
			"user_id", user.ID, "old_conn_id", prev, "conn_id", connID)
	}

	defer func() {
		s.hub.Remove(connID)
		s.registry.Disconnect(user.ID, connID)
	}()

	if err := conn.Handle(r.Context()); err != nil {
		s.logger.Debugw("connection closed",
			"user_id", user.ID, "conn_id", connID, "error", err)
	}
}

// connectionToken extracts the auth token. Browser websocket clients cannot
// set headers, so the cookie and query parameter forms are accepted too.
func connectionToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
