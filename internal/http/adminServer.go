package http

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"tetatet/internal/api"
)

// AdminServer binds the operator endpoints. It should listen on localhost or
// an otherwise protected interface.
type AdminServer struct {
	logger *zap.SugaredLogger
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(logger *zap.SugaredLogger, handler *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", handler.AddUserHandler)
	mux.HandleFunc("GET /admin/users", handler.ListUsersHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		logger: logger,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	s.logger.Infow("admin server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
