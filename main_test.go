package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veranda/internal/api"
	"veranda/internal/auth"
	"veranda/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForServer(t *testing.T, addr string, retries int) {
	t.Helper()
	for i := 0; i < retries; i++ {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", addr, retries)
}

// readUntil reads server messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotEqual(t, models.ServerMessageTypeError, msg.Type, msg.Error)
		if match(msg) {
			return msg
		}
	}
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)
	baseURL := "http://" + apiAddr

	t.Setenv("VERANDA_DB", filepath.Join(t.TempDir(), "integration.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(t.TempDir(), "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("BLOB_BACKEND", "local")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil, io.Discard)
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, adminAddr, 50)
	waitForServer(t, apiAddr, 50)

	client := &http.Client{Timeout: 5 * time.Second}

	// Step 1: Create a user through the admin API.
	reqBody, _ := json.Marshal(api.AddUserRequest{Username: "alice", DisplayName: "Alice"})
	resp, err := client.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var userResp api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&userResp))
	_ = resp.Body.Close()
	require.True(t, userResp.Success)
	require.NotEmpty(t, userResp.Password)

	// Step 2: Create a room through the CLI command.
	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-add-room", "Garden"}, &out))
	require.Contains(t, out.String(), "Room Created Successfully!")
	require.Contains(t, out.String(), "Garden")

	// Step 3: Login.
	loginBody, _ := json.Marshal(auth.LoginRequest{Username: "alice", Password: userResp.Password})
	reqLogin, _ := http.NewRequest(http.MethodPost, baseURL+"/api/login", bytes.NewReader(loginBody))
	reqLogin.Header.Set("Content-Type", "application/json")
	reqLogin.Header.Set("Origin", baseURL)
	resp, err = client.Do(reqLogin)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	_ = resp.Body.Close()
	require.True(t, loginResp.Success)
	token := loginResp.Token
	require.NotEmpty(t, token)

	// Step 4: Rooms listing contains the seeded lobby and the new room.
	reqRooms, _ := http.NewRequest(http.MethodGet, baseURL+"/api/rooms", nil)
	reqRooms.Header.Set("token", token)
	resp, err = client.Do(reqRooms)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []models.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	_ = resp.Body.Close()
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	require.ElementsMatch(t, []string{"Lobby", "Garden"}, names)

	// Step 5: Chat over the websocket.
	wsURL := fmt.Sprintf("ws://%s/api/chat", apiAddr)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"token": []string{token}})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeOpen, RoomID: "lobby"}))
	readUntil(t, conn, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeRoom && m.Room != nil && m.Room.Name == "Lobby"
	})

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeSend, RoomID: "lobby", Text: "hello **world**"}))
	added := readUntil(t, conn, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessage && m.Change == "added"
	})
	require.Len(t, added.Messages, 1)
	require.Equal(t, "hello **world**", added.Messages[0].Text)
	require.Equal(t, userResp.UserID, added.Messages[0].SenderID)
	require.Contains(t, added.Messages[0].HTML, "<strong>world</strong>")

	// Step 6: Send an image and wait for the upload to land.
	png, err := base64.StdEncoding.DecodeString(pngBase64)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeAttach, RoomID: "lobby", FileName: "dot.png", Data: png}))
	composer := readUntil(t, conn, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeComposer && m.Composer != nil && m.Composer.PreviewSrc != ""
	})
	require.True(t, strings.HasPrefix(composer.Composer.PreviewSrc, "data:image/png;base64,"))

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeSend, RoomID: "lobby"}))
	modified := readUntil(t, conn, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessage && m.Change == "modified" &&
			len(m.Messages) == 1 && m.Messages[0].HasImage() && !m.Messages[0].ImagePending()
	})
	imageURL := modified.Messages[0].ImageURL
	require.True(t, strings.HasPrefix(imageURL, baseURL+"/files/"), imageURL)

	reqImage, _ := http.NewRequest(http.MethodGet, imageURL, nil)
	reqImage.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqImage)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	_ = resp.Body.Close()

	// Files are not public.
	resp, err = client.Get(imageURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 7: The lobby shows up in the recent chats list.
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/api/chats", nil)
		req.Header.Set("token", token)
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var chats []models.RecentRoom
		if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
			return false
		}
		return len(chats) == 1 && chats[0].RoomID == "lobby" && chats[0].Name == "Lobby"
	}, 5*time.Second, 50*time.Millisecond)

	// Step 8: Logging off drops the session's websocket.
	reqLogoff, _ := http.NewRequest(http.MethodPost, baseURL+"/api/logoff", nil)
	reqLogoff.Header.Set("token", token)
	reqLogoff.Header.Set("Origin", baseURL)
	resp, err = client.Do(reqLogoff)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "websocket still open after logoff")
			break
		}
	}
}
