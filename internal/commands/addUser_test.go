package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"veranda/internal/api"
	"veranda/internal/config"

	"github.com/stretchr/testify/require"
)

func TestAddUserAndRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/users":
			var req api.AddUserRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(api.AddUserResponse{Success: true, Username: req.Username, Password: "pw123"})
		case "/admin/rooms":
			var req api.AddRoomRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			resp := api.AddRoomResponse{Success: true}
			resp.Room.ID = "r1"
			resp.Room.Name = req.Name
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "nope", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://"), BaseURL: "https://chat.example.com"}

	var out strings.Builder
	require.NoError(t, AddUser("bob", cfg, &out))
	require.Contains(t, out.String(), "bob")
	require.Contains(t, out.String(), "pw123")

	out.Reset()
	require.NoError(t, AddRoom("Porch", cfg, &out))
	require.Contains(t, out.String(), "https://chat.example.com/room/r1")
}

func TestAddUser_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Username is required", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	err := AddUser("", cfg, &strings.Builder{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
}
