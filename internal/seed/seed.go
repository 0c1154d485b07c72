// Package seed creates the rooms a fresh installation starts with.
package seed

import (
	"context"
	"errors"
	"log/slog"

	"veranda/internal/models"
)

var Rooms = []models.Room{
	{ID: "lobby", Name: "Lobby"},
}

type Store interface {
	Room(ctx context.Context, roomID string) (models.Room, error)
	UpsertRoom(ctx context.Context, room models.Room) (models.Room, error)
}

// Apply creates the seed rooms that do not exist yet. Existing rooms are left
// untouched.
func Apply(ctx context.Context, store Store) error {
	for _, room := range Rooms {
		_, err := store.Room(ctx, room.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if _, err := store.UpsertRoom(ctx, room); err != nil {
			return err
		}
		slog.Info("created seed room", "room", room.ID)
	}
	return nil
}
