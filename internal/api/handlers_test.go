package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tetatet/internal/auth"
	"tetatet/internal/chat"
	"tetatet/internal/filestore"
	"tetatet/internal/models"
	"tetatet/internal/presence"
	"tetatet/internal/storage"
	"tetatet/internal/ws"
)

type apiFixture struct {
	api      *API
	auth     *auth.AuthService
	svc      *chat.Service
	registry *presence.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "avatars"))
	require.NoError(t, err)
	avatars := filestore.NewAvatarStore(files)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	authService := auth.NewAuthService(ctx, logger, store, time.Hour)
	registry := presence.NewRegistry(logger)
	hub := ws.NewHub(logger)
	svc := chat.NewService(logger, store, registry, hub, nil)

	return &apiFixture{
		api:      New(logger, authService, svc, store, avatars, "test-vapid-pub"),
		auth:     authService,
		svc:      svc,
		registry: registry,
	}
}

func (f *apiFixture) registerAndLogin(t *testing.T, username string) (models.User, string) {
	t.Helper()
	user, err := f.auth.Register(username, "", "password123")
	require.NoError(t, err)
	resp, _ := f.auth.Login(auth.LoginRequest{Username: username, Password: "password123"})
	require.True(t, resp.Success)
	return user, resp.Token
}

func authedRequest(method, target, token string, body *bytes.Buffer) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	r := httptest.NewRequest(method, target, body)
	r.Header.Set("token", token)
	return r
}

func TestLoginHandler(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.auth.Register("alice", "", "password123")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "password123"})
	r := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	f.api.LoginHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp auth.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "token", cookies[0].Name)
	require.Equal(t, resp.Token, cookies[0].Value)
}

func TestLoginHandler_BadPassword(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.auth.Register("alice", "", "password123")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	r := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	f.api.LoginHandler(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.registerAndLogin(t, "alice")

	handler := f.api.RequireAuth(f.api.MeHandler)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	handler(w, authedRequest(http.MethodGet, "/api/me", token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var me models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	require.Equal(t, "alice", me.Username)
}

func TestUsersHandler(t *testing.T) {
	f := newAPIFixture(t)
	alice, token := f.registerAndLogin(t, "alice")
	bob, _ := f.registerAndLogin(t, "bob")

	f.registry.Connect(bob.ID, "conn-b")

	w := httptest.NewRecorder()
	f.api.RequireAuth(f.api.UsersHandler)(w, authedRequest(http.MethodGet, "/api/users", token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var cards []models.UserCard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 2)

	for _, card := range cards {
		switch card.UserID {
		case alice.ID:
			require.False(t, card.Online)
		case bob.ID:
			require.True(t, card.Online)
		}
	}
}

func TestMessagesHandler(t *testing.T) {
	f := newAPIFixture(t)
	alice, token := f.registerAndLogin(t, "alice")
	bob, _ := f.registerAndLogin(t, "bob")

	handler := f.api.RequireAuth(f.api.MessagesHandler)

	// No chat yet: 404.
	w := httptest.NewRecorder()
	handler(w, authedRequest(http.MethodGet, "/api/messages?with="+bob.ID, token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Missing parameter: 400.
	w = httptest.NewRecorder()
	handler(w, authedRequest(http.MethodGet, "/api/messages", token, nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	_, err := f.svc.SendMessage(alice, bob, "hi bob")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	handler(w, authedRequest(http.MethodGet, "/api/messages?with="+bob.ID, token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var msgs []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "hi bob", msgs[0].Text)
}

func TestAvatarRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.registerAndLogin(t, "alice")

	minimalPNG := []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("avatar", "avatar.png")
	require.NoError(t, err)
	_, err = fw.Write(minimalPNG)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := authedRequest(http.MethodPost, "/api/users/me/avatar", token, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.api.RequireAuth(f.api.UploadAvatarHandler)(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	avatarID := resp["avatarId"]
	require.NotEmpty(t, avatarID)

	// The avatar is now on the user record.
	w = httptest.NewRecorder()
	f.api.RequireAuth(f.api.MeHandler)(w, authedRequest(http.MethodGet, "/api/me", token, nil))
	var me models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	require.Equal(t, avatarID, me.AvatarID)

	// And can be fetched back.
	r = httptest.NewRequest(http.MethodGet, "/api/avatars/"+avatarID, nil)
	r.SetPathValue("id", avatarID)
	w = httptest.NewRecorder()
	f.api.AvatarHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	require.Equal(t, minimalPNG, w.Body.Bytes())
}

func TestPushEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.registerAndLogin(t, "alice")

	w := httptest.NewRecorder()
	f.api.PushKeyHandler(w, httptest.NewRequest(http.MethodGet, "/api/push/key", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var key map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	require.Equal(t, "test-vapid-pub", key["publicKey"])

	sub := bytes.NewBufferString(`{"endpoint":"https://push.example.com/abc"}`)
	w = httptest.NewRecorder()
	f.api.RequireAuth(f.api.PushSubscribeHandler)(w, authedRequest(http.MethodPost, "/api/push/subscribe", token, sub))
	require.Equal(t, http.StatusNoContent, w.Code)

	bad := bytes.NewBufferString(`not json`)
	w = httptest.NewRecorder()
	f.api.RequireAuth(f.api.PushSubscribeHandler)(w, authedRequest(http.MethodPost, "/api/push/subscribe", token, bad))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.api.RequireAuth(f.api.PushUnsubscribeHandler)(w, authedRequest(http.MethodDelete, "/api/push/subscribe", token, nil))
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestAddUserHandler(t *testing.T) {
	f := newAPIFixture(t)
	admin := NewAdminHandler(zap.NewNop().Sugar(), f.auth, f.api.store, f.registry)

	body, _ := json.Marshal(AddUserRequest{Username: "carol"})
	w := httptest.NewRecorder()
	admin.AddUserHandler(w, httptest.NewRequest(http.MethodPost, "/admin/users", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp AddUserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, "carol", resp.Username)
	require.NotEmpty(t, resp.Password)

	// The generated password works.
	login, _ := f.auth.Login(auth.LoginRequest{Username: "carol", Password: resp.Password})
	require.True(t, login.Success)

	// Duplicate username: 409.
	w = httptest.NewRecorder()
	admin.AddUserHandler(w, httptest.NewRequest(http.MethodPost, "/admin/users", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, w.Code)
}
