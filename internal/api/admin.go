package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"veranda/internal/auth"
	"veranda/internal/content"
	"veranda/internal/models"

	"github.com/google/uuid"
)

type RoomStore interface {
	UpsertRoom(ctx context.Context, room models.Room) (models.Room, error)
}

type AdminHandler struct {
	authService *auth.AuthService
	rooms       RoomStore
}

func NewAdminHandler(authService *auth.AuthService, rooms RoomStore) *AdminHandler {
	return &AdminHandler{authService: authService, rooms: rooms}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type AddRoomRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoURL,omitempty"`
}

type AddRoomResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Room    models.Room `json:"room"`
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	password := req.Password
	if password == "" {
		var err error
		if password, err = generatePassword(); err != nil {
			writeError(w, err)
			return
		}
	}

	user, err := h.authService.AddUser(req.Username, req.DisplayName, password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	resp := AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.UserName,
	}
	if req.Password == "" {
		resp.Password = password
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) AddRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := content.ValidateRoomID(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, _, ok := models.DMParticipants(req.ID); ok {
		http.Error(w, "Direct message rooms are created on first message", http.StatusBadRequest)
		return
	}

	room, err := h.rooms.UpsertRoom(r.Context(), models.Room{
		ID:       req.ID,
		Name:     content.Sanitize(req.Name),
		PhotoURL: req.PhotoURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AddRoomResponse{Success: true, Room: room})
}
