package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"veranda/internal/models"

	"github.com/stretchr/testify/require"
)

type memoryUserStore struct {
	creds []UserCredentials
	err   error
}

func (m *memoryUserStore) UpsertCredentials(c UserCredentials) error {
	if m.err != nil {
		return m.err
	}
	m.creds = append(m.creds, c)
	return nil
}

func (m *memoryUserStore) ListCredentials() ([]UserCredentials, error) {
	return m.creds, nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, store UserStore) (*AuthService, *time.Time) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		svc, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour}, store)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	t.Run("AddUser", func(t *testing.T) {
		store := &memoryUserStore{}
		svc, _ := createService(t, store)

		u1, err := svc.AddUser("user1", "User One", "pass1")
		if err != nil {
			t.Fatalf("Failed to add user: %v", err)
		}
		if u1.UserName != "user1" {
			t.Errorf("Expected username user1, got %s", u1.UserName)
		}
		if u1.ID == "" {
			t.Error("Expected generated user id")
		}
		if len(store.creds) != 1 {
			t.Errorf("Expected user to be persisted, got %d records", len(store.creds))
		}

		_, err = svc.AddUser("user1", "", "pass2")
		if err != ErrUserExists {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}
	})

	t.Run("AddUser_Invalid", func(t *testing.T) {
		svc, _ := createService(t, &memoryUserStore{})

		_, err := svc.AddUser("bad name", "", "pass")
		require.Error(t, err)

		_, err = svc.AddUser("okname", "", "")
		require.Error(t, err)
	})

	t.Run("AddUser_StoreFailure", func(t *testing.T) {
		svc, _ := createService(t, &memoryUserStore{err: errors.New("disk full")})

		_, err := svc.AddUser("user1", "", "pass")
		require.Error(t, err)

		// A failed write must not leave a half-created user behind.
		resp, _ := svc.Login(LoginRequest{Username: "user1", Password: "pass"})
		require.False(t, resp.Success)
	})

	t.Run("Login_Success", func(t *testing.T) {
		svc, _ := createService(t, &memoryUserStore{})
		u, err := svc.AddUser("alice", "Alice", "secret")
		require.NoError(t, err)

		resp, userID := svc.Login(LoginRequest{Username: "alice", Password: "secret"})
		require.True(t, resp.Success)
		require.NotEmpty(t, resp.Token)
		require.Equal(t, u.ID, userID)
		require.Equal(t, int64(t0Unix+3600), resp.TokenExpiry)

		gotID, err := svc.GetUserID(resp.Token)
		require.NoError(t, err)
		require.Equal(t, u.ID, gotID)

		profile, err := svc.UserByToken(resp.Token)
		require.NoError(t, err)
		require.Equal(t, "Alice", profile.DisplayName)
	})

	t.Run("Login_Failures", func(t *testing.T) {
		svc, _ := createService(t, &memoryUserStore{})
		_, err := svc.AddUser("alice", "", "secret")
		require.NoError(t, err)

		tests := []struct {
			name string
			req  LoginRequest
		}{
			{"Unknown user", LoginRequest{Username: "bob", Password: "secret"}},
			{"Wrong password", LoginRequest{Username: "alice", Password: "nope"}},
			{"Empty password", LoginRequest{Username: "alice"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp, userID := svc.Login(tt.req)
				if resp.Success {
					t.Error("Expected login failure")
				}
				if userID != "" {
					t.Errorf("Expected empty user id, got %s", userID)
				}
			})
		}
	})

	t.Run("Security_Throttling", func(t *testing.T) {
		svc, now := createService(t, &memoryUserStore{})
		_, err := svc.AddUser("alice", "", "secret")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
			require.False(t, resp.Success)
		}

		// Correct password is still refused while throttled.
		resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "secret"})
		require.False(t, resp.Success)
		require.Contains(t, resp.Message, "Too many failed login attempts")

		*now = now.Add(10 * time.Minute)
		resp, _ = svc.Login(LoginRequest{Username: "alice", Password: "secret"})
		require.True(t, resp.Success)
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _ := createService(t, &memoryUserStore{})
		_, err := svc.AddUser("alice", "", "secret")
		require.NoError(t, err)

		resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "secret"})
		require.True(t, resp.Success)

		require.NoError(t, svc.Logoff(resp.Token))
		_, err = svc.GetUserID(resp.Token)
		require.Error(t, err)
	})

	t.Run("LoadsPersistedUsers", func(t *testing.T) {
		store := &memoryUserStore{}
		first, _ := createService(t, store)
		u, err := first.AddUser("alice", "Alice", "secret")
		require.NoError(t, err)

		second, _ := createService(t, store)
		resp, userID := second.Login(LoginRequest{Username: "alice", Password: "secret"})
		require.True(t, resp.Success)
		require.Equal(t, u.ID, userID)

		profile, err := second.GetUser(u.ID)
		require.NoError(t, err)
		require.Equal(t, "Alice", profile.DisplayName)

		_, err = second.GetUser("missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}
