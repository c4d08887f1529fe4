// Package http wires the handlers into listeners. The public API and the
// operator API run on separate ports.
package http

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"tetatet/internal/api"
	"tetatet/internal/ws"
)

type APIServer struct {
	logger *zap.SugaredLogger
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(logger *zap.SugaredLogger, handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(handlers.RegisterHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/messages", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("POST /api/users/me/avatar", api.RequireSameOrigin(handlers.RequireAuth(handlers.UploadAvatarHandler)))
	mux.HandleFunc("GET /api/avatars/{id}", handlers.AvatarHandler)
	mux.HandleFunc("GET /api/push/key", handlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushSubscribeHandler)))
	mux.HandleFunc("DELETE /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushUnsubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleChat)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		logger: logger,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	s.logger.Infow("api server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
