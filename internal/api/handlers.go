// Package api implements the HTTP endpoints backing the chat client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"tetatet/internal/auth"
	"tetatet/internal/chat"
	"tetatet/internal/filestore"
	"tetatet/internal/models"
	"tetatet/internal/storage"
)

type ctxKey int

const userKey ctxKey = 0

type API struct {
	logger  *zap.SugaredLogger
	auth    *auth.AuthService
	svc     *chat.Service
	store   *storage.Store
	avatars *filestore.AvatarStore

	pushPublicKey string
}

func New(
	logger *zap.SugaredLogger,
	authService *auth.AuthService,
	svc *chat.Service,
	store *storage.Store,
	avatars *filestore.AvatarStore,
	pushPublicKey string,
) *API {
	return &API{
		logger:        logger,
		auth:          authService,
		svc:           svc,
		store:         store,
		avatars:       avatars,
		pushPublicKey: pushPublicKey,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireSameOrigin rejects state-changing requests whose Origin header
// points at another site. Requests without an Origin header pass, so CLI
// clients keep working.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// RequireAuth resolves the request's token and passes the user on through the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.GetUser(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func requestUser(r *http.Request) models.User {
	user, _ := r.Context().Value(userKey).(models.User)
	return user
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnw("failed to encode response", "error", err)
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// The login form posts x-www-form-urlencoded; API clients post JSON.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp, _ := a.auth.Login(req)
	if !resp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		a.writeJSON(w, resp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	a.writeJSON(w, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password"`
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req.Username, req.DisplayName, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	a.writeJSON(w, user)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, requestUser(r))
}

// UsersHandler returns the roster: every registered user with presence and
// last-message preview relative to the caller.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	cards, err := a.svc.UserCards(requestUser(r).ID)
	if err != nil {
		a.logger.Errorw("failed to build user cards", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, cards)
}

// MessagesHandler returns the full history between the caller and the user
// given in ?with=. 404 means the pair has never exchanged a message.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	other := r.URL.Query().Get("with")
	if other == "" {
		http.Error(w, "Missing 'with' parameter", http.StatusBadRequest)
		return
	}

	msgs, ok, err := a.svc.MessagesForChat(requestUser(r).ID, other)
	if err != nil {
		a.logger.Errorw("failed to load messages", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No chat with this user", http.StatusNotFound)
		return
	}
	a.writeJSON(w, msgs)
}

func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("avatar")
	if err != nil {
		http.Error(w, "Missing avatar file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	id, err := a.avatars.Save(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := requestUser(r)
	if err := a.store.UpdateAvatar(user.ID, id); err != nil {
		a.logger.Errorw("failed to update avatar", "user_id", user.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, map[string]string{"avatarId": id})
}

func (a *API) AvatarHandler(w http.ResponseWriter, r *http.Request) {
	f, mime, err := a.avatars.Open(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if _, err := io.Copy(w, f); err != nil {
		a.logger.Debugw("avatar write interrupted", "error", err)
	}
}

// PushKeyHandler hands out the VAPID public key the browser needs to
// subscribe.
func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.pushPublicKey == "" {
		http.Error(w, "Push notifications disabled", http.StatusNotFound)
		return
	}
	a.writeJSON(w, map[string]string{"publicKey": a.pushPublicKey})
}

// PushSubscribeHandler stores the browser's push subscription verbatim.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil || !json.Valid(data) {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	if err := a.store.UpsertPushSubscription(user.ID, data); err != nil {
		a.logger.Errorw("failed to store subscription", "user_id", user.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := a.store.DeletePushSubscription(user.ID); err != nil {
		a.logger.Errorw("failed to delete subscription", "user_id", user.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
