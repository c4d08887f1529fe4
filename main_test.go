package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"tetatet/internal/api"
	"tetatet/internal/auth"
	"tetatet/internal/models"
)

const (
	testAdminAddr = "127.0.0.1:8898"
	testAPIAddr   = "127.0.0.1:8897"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_FILE", filepath.Join(dir, "integration.db"))
	t.Setenv("AVATARS_PATH", filepath.Join(dir, "avatars"))
	t.Setenv("ADMIN_ADDR", testAdminAddr)
	t.Setenv("API_ADDR", testAPIAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", testAdminAddr), 20)

	// Create two users through the admin API.
	alice := createUser(t, "alice")
	bob := createUser(t, "bob")

	aliceToken := login(t, "alice", alice.Password)
	bobToken := login(t, "bob", bob.Password)

	// Both connect over websocket.
	aliceWS := dialChat(t, aliceToken)
	defer func() { _ = aliceWS.Close() }()
	bobWS := dialChat(t, bobToken)
	defer func() { _ = bobWS.Close() }()

	// Alice sees bob come online. Her own presence event may arrive first.
	for {
		presenceEvent := readEvent(t, aliceWS, models.EventUserOnline)
		var update models.PresenceUpdate
		decodePayload(t, presenceEvent.Payload, &update)
		if update.UserID == bob.UserID {
			require.True(t, update.Online)
			break
		}
	}

	// Alice messages bob; both receive the message live.
	err := aliceWS.WriteJSON(models.ClientEvent{
		Type: models.ClientEventSend,
		To:   bob.UserID,
		Text: "hello bob",
	})
	require.NoError(t, err)

	for name, conn := range map[string]*websocket.Conn{"alice": aliceWS, "bob": bobWS} {
		event := readEvent(t, conn, models.EventReceiveMessage)
		var dto models.MessageDTO
		decodePayload(t, event.Payload, &dto)
		require.Equal(t, "hello bob", dto.Text, "connection %s", name)
		require.Equal(t, alice.UserID, dto.SenderID)
		require.Equal(t, "alice", dto.SenderName)
	}

	// The message is persisted and visible through the history endpoint,
	// from bob's side too.
	var history []models.Message
	getJSON(t, fmt.Sprintf("http://%s/api/messages?with=%s", testAPIAddr, alice.UserID), bobToken, &history)
	require.Len(t, history, 1)
	require.Equal(t, "hello bob", history[0].Text)

	// The roster shows alice online with the last message preview.
	var cards []models.UserCard
	getJSON(t, fmt.Sprintf("http://%s/api/users", testAPIAddr), bobToken, &cards)
	require.Len(t, cards, 2)
	for _, card := range cards {
		require.True(t, card.Online, "user %s", card.Username)
		if card.UserID == alice.UserID {
			require.Equal(t, "hello bob", card.LastMessageText)
		}
	}

	// A second connection displaces the first.
	aliceWS2 := dialChat(t, aliceToken)
	defer func() { _ = aliceWS2.Close() }()

	_ = aliceWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev models.ServerEvent
		if err := aliceWS.ReadJSON(&ev); err != nil {
			break // the displaced connection gets closed
		}
	}

	// Messaging still works on the new connection.
	err = bobWS.WriteJSON(models.ClientEvent{
		Type: models.ClientEventSend,
		To:   alice.UserID,
		Text: "hi again",
	})
	require.NoError(t, err)

	event := readEvent(t, aliceWS2, models.EventReceiveMessage)
	var dto models.MessageDTO
	decodePayload(t, event.Payload, &dto)
	require.Equal(t, "hi again", dto.Text)
}

func createUser(t *testing.T, username string) api.AddUserResponse {
	t.Helper()

	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	require.NoError(t, err)

	resp, err := http.Post(
		fmt.Sprintf("http://%s/admin/users", testAdminAddr),
		"application/json",
		bytes.NewReader(reqBody),
	)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.True(t, result.Success)
	require.NotEmpty(t, result.Password)
	return result
}

func login(t *testing.T, username, password string) string {
	t.Helper()

	body, err := json.Marshal(auth.LoginRequest{Username: username, Password: password})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/login", testAPIAddr), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	return loginResp.Token
}

func dialChat(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/api/chat", testAPIAddr), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// readEvent reads frames until the wanted event arrives, skipping unrelated
// presence traffic.
func readEvent(t *testing.T, conn *websocket.Conn, want string) models.ServerEvent {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var ev models.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Event == want {
			return ev
		}
	}
	t.Fatalf("did not receive %s event in time", want)
	return models.ServerEvent{}
}

// decodePayload converts the loosely typed payload back into its struct.
func decodePayload(t *testing.T, payload any, v any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func getJSON(t *testing.T, url, token string, v any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("token", token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
