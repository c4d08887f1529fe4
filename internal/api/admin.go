package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tetatet/internal/auth"
	"tetatet/internal/models"
	"tetatet/internal/presence"
	"tetatet/internal/storage"
)

// AdminHandler serves the operator-only endpoints. They are bound to a
// separate listener and carry no authentication of their own.
type AdminHandler struct {
	logger   *zap.SugaredLogger
	auth     *auth.AuthService
	store    *storage.Store
	registry *presence.Registry
}

func NewAdminHandler(
	logger *zap.SugaredLogger,
	authService *auth.AuthService,
	store *storage.Store,
	registry *presence.Registry,
) *AdminHandler {
	return &AdminHandler{
		logger:   logger,
		auth:     authService,
		store:    store,
		registry: registry,
	}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AddUserHandler creates a user with a generated password and returns the
// password once. It is never stored in the clear.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	password, err := generatePassword()
	if err != nil {
		h.logger.Errorw("failed to generate password", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	user, err := h.auth.Register(req.Username, req.DisplayName, password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	h.logger.Infow("user created by operator", "user_id", user.ID, "username", user.Username)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.Username,
		Password: password,
	})
}

type adminUser struct {
	models.User
	Online bool `json:"online"`
}

// ListUsersHandler returns every registered user with live presence.
func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		h.logger.Errorw("failed to list users", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	out := make([]adminUser, 0, len(users))
	for _, u := range users {
		out = append(out, adminUser{User: u, Online: h.registry.IsOnline(u.ID)})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Warnw("failed to encode users", "error", err)
	}
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
