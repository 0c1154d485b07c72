package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"veranda/internal/auth"
	"veranda/internal/models"
	"veranda/internal/room"
	"veranda/internal/shell"
)

type Store interface {
	RecentRooms(ctx context.Context, userID string) ([]models.RecentRoom, error)
	Rooms(ctx context.Context) ([]models.Room, error)
	SavePushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error
}

// Sessions closes the live connections of a user.
type Sessions interface {
	DisconnectUser(userID string)
}

type API struct {
	auth           *auth.AuthService
	store          Store
	rooms          *room.Resolver
	shell          *shell.Shell
	sessions       Sessions
	vapidPublicKey string
}

func New(auth *auth.AuthService, store Store, rooms *room.Resolver, shell *shell.Shell, sessions Sessions, vapidPublicKey string) *API {
	return &API{auth: auth, store: store, rooms: rooms, shell: shell, sessions: sessions, vapidPublicKey: vapidPublicKey}
}

type userIDKey struct{}

func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequireAuth rejects requests without a live session token.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(GetToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

// RequireSameOrigin rejects state changing requests coming from other sites.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func GetToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	if errors.Is(err, models.ErrNotFound) {
		status = http.StatusNotFound
		message = "not found"
	} else {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req auth.LoginRequest

	// Support both JSON and Form (since frontend uses x-www-form-urlencoded)
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

	loginResp, _ := a.auth.Login(req)

	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := GetToken(r)
	if token != "" {
		userID, err := a.auth.GetUserID(token)
		_ = a.auth.Logoff(token)
		// Open websockets were authenticated with this session.
		if err == nil && a.sessions != nil {
			a.sessions.DisconnectUser(userID)
		}
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

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.auth.GetUser(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ChatsHandler lists the user's recent rooms, newest first.
func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := a.store.RecentRooms(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []models.RecentRoom{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// RoomsHandler lists the public rooms.
func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.store.Rooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	public := make([]models.Room, 0, len(rooms))
	for _, room := range rooms {
		if !room.IsDM {
			public = append(public, room)
		}
	}
	writeJSON(w, http.StatusOK, public)
}

func (a *API) RoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	userID := UserID(r.Context())
	if a1, b1, ok := models.DMParticipants(roomID); ok && a1 != userID && b1 != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	room, err := a.rooms.Get(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// LayoutHandler tells the client which view to show for its viewport and route.
func (a *API) LayoutHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vp shell.Viewport
	var err error
	if vp.Width, err = strconv.Atoi(q.Get("width")); err != nil {
		http.Error(w, "width is required", http.StatusBadRequest)
		return
	}
	vp.Height, _ = strconv.Atoi(q.Get("height"))

	path := q.Get("path")
	if path == "" {
		path = shell.PathHome
	}

	_, authErr := a.auth.GetUserID(GetToken(r))
	writeJSON(w, http.StatusOK, a.shell.Decide(authErr == nil, vp, path))
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidPublicKey == "" {
		http.Error(w, "Push notifications are disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		http.Error(w, "Incomplete subscription", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" {
		http.Error(w, "Endpoint must be an https URL", http.StatusBadRequest)
		return
	}

	if err := a.store.SavePushSubscription(r.Context(), UserID(r.Context()), sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
