package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"veranda/internal/auth"
	"veranda/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketRooms         = []byte("rooms")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketRecentRooms   = []byte("recent_rooms")
	bucketSubscriptions = []byte("push_subscriptions")
	bucketFiles         = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketRooms,
			bucketMessages,
			bucketMessageIndex,
			bucketRecentRooms,
			bucketSubscriptions,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           credentials.ID,
			UserName:     credentials.UserName,
			DisplayName:  credentials.DisplayName,
			AvatarURL:    credentials.AvatarURL,
			PasswordHash: credentials.PasswordHash,
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User:         dbUser.toModel(),
				PasswordHash: dbUser.PasswordHash,
			})
			return nil
		})
	})
	return credentials, err
}

// GetUser returns the public profile of a user.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// UpsertRoom saves room struct to the database.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRoom(tx, room)
	})
}

func putRoom(tx *bbolt.Tx, room models.Room) error {
	dbRoom := DBRoom{
		ID:                   room.ID,
		Name:                 room.Name,
		PhotoURL:             room.PhotoURL,
		LastMessageTimestamp: room.LastMessageTimestamp,
		IsDM:                 room.IsDM,
	}
	data, err := dbRoom.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRooms).Put(dbRoom.Key(), data)
}

func getRoom(tx *bbolt.Tx, id string) (models.Room, error) {
	data := tx.Bucket(bucketRooms).Get([]byte(id))
	if data == nil {
		return models.Room{}, models.ErrNotFound
	}
	var dbRoom DBRoom
	if err := dbRoom.UnmarshalBinary(data); err != nil {
		return models.Room{}, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return dbRoom.toModel(), nil
}

func (r *DBRoom) toModel() models.Room {
	return models.Room{
		ID:                   r.ID,
		Name:                 r.Name,
		PhotoURL:             r.PhotoURL,
		LastMessageTimestamp: r.LastMessageTimestamp,
		IsDM:                 r.IsDM,
	}
}

// GetRoom returns a single room or models.ErrNotFound.
func (s *BboltStorage) GetRoom(id string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		room, err = getRoom(tx, id)
		return err
	})
	return room, err
}

// ListRooms returns all rooms stored in the database.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom.toModel())
			return nil
		})
	})
	return rooms, err
}

// AppendMessage saves a new message at the end of the room log and bumps the
// room's last message timestamp. DM rooms are created on first message,
// any other room must already exist.
func (s *BboltStorage) AppendMessage(message models.Message) (models.Room, error) {
	var room models.Room
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if message.RoomID == "" {
			return errors.New("message missing roomID")
		}
		if message.ID == "" {
			return errors.New("message missing id")
		}

		var err error
		room, err = getRoom(tx, message.RoomID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if _, _, ok := models.DMParticipants(message.RoomID); !ok {
				return fmt.Errorf("room %s: %w", message.RoomID, models.ErrNotFound)
			}
			room = models.Room{ID: message.RoomID, IsDM: true}
		case err != nil:
			return err
		}

		// 1. Save message
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		indexBucket, err := tx.Bucket(bucketMessageIndex).CreateBucketIfNotExists([]byte(message.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}
		if indexBucket.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s already exists", message.ID)
		}

		seq, err := roomBucket.NextSequence()
		if err != nil {
			return err
		}

		dbMessage := fromMessage(message)
		dbMessage.Seq = seq
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := indexBucket.Put([]byte(message.ID), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		// 2. Update room last message timestamp
		if message.Timestamp > room.LastMessageTimestamp {
			room.LastMessageTimestamp = message.Timestamp
		}
		return putRoom(tx, room)
	})
	return room, err
}

// SetMessageImage replaces the upload placeholder of a message with the final image URL.
// It fails with models.ErrImageAlreadySet if the message has no pending image.
func (s *BboltStorage) SetMessageImage(roomID, messageID, url string) (models.Message, error) {
	var updated models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketMessageIndex).Bucket([]byte(roomID))
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if indexBucket == nil || roomBucket == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		key := indexBucket.Get([]byte(messageID))
		if key == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		data := roomBucket.Get(key)
		if data == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}

		var dbMessage DBMessage
		if err := dbMessage.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if dbMessage.ImageURL != models.ImageUploading {
			return models.ErrImageAlreadySet
		}
		dbMessage.ImageURL = url

		newData, err := dbMessage.MarshalBinary()
		if err != nil {
			return err
		}
		if err := roomBucket.Put(key, newData); err != nil {
			return err
		}
		updated = dbMessage.toModel()
		return nil
	})
	return updated, err
}

// ListMessages returns all room messages in creation order.
func (s *BboltStorage) ListMessages(roomID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}
		return roomBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

func fromMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderName: m.SenderName,
		SenderID:   m.SenderID,
		Text:       m.Text,
		ImageURL:   m.ImageURL,
		ImageName:  m.ImageName,
		Timestamp:  m.Timestamp,
		Time:       m.Time,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderName: m.SenderName,
		SenderID:   m.SenderID,
		Text:       m.Text,
		ImageURL:   m.ImageURL,
		ImageName:  m.ImageName,
		Timestamp:  m.Timestamp,
		Time:       m.Time,
	}
}

// UpsertRecentRoom records that userID has touched a room.
func (s *BboltStorage) UpsertRecentRoom(userID string, recent models.RecentRoom) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketRecentRooms).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create recent rooms bucket: %w", err)
		}
		dbRecent := DBRecentRoom{
			RoomID:    recent.RoomID,
			Name:      recent.Name,
			PhotoURL:  recent.PhotoURL,
			Timestamp: recent.Timestamp,
		}
		data, err := dbRecent.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbRecent.Key(), data)
	})
}

// ListRecentRooms returns the user's recent rooms, most recently touched first.
func (s *BboltStorage) ListRecentRooms(userID string) ([]models.RecentRoom, error) {
	rooms := []models.RecentRoom{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketRecentRooms).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbRecent DBRecentRoom
			if err := dbRecent.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, models.RecentRoom{
				RoomID:    dbRecent.RoomID,
				Name:      dbRecent.Name,
				PhotoURL:  dbRecent.PhotoURL,
				Timestamp: dbRecent.Timestamp,
			})
			return nil
		})
	})
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].Timestamp > rooms[j].Timestamp
	})
	return rooms, err
}

// ListRoomMembers returns ids of users that have the room among their recent rooms.
func (s *BboltStorage) ListRoomMembers(roomID string) ([]string, error) {
	var members []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecentRooms).ForEachBucket(func(userID []byte) error {
			userBucket := tx.Bucket(bucketRecentRooms).Bucket(userID)
			if userBucket.Get([]byte(roomID)) != nil {
				members = append(members, string(userID))
			}
			return nil
		})
	})
	return members, err
}

func (s *BboltStorage) UpsertPushSubscription(userID string, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketSubscriptions).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create subscriptions bucket: %w", err)
		}
		dbSub := DBPushSubscription{
			Endpoint: sub.Endpoint,
			P256dh:   sub.Keys.P256dh,
			Auth:     sub.Keys.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			var sub models.PushSubscription
			sub.Endpoint = dbSub.Endpoint
			sub.Keys.P256dh = dbSub.P256dh
			sub.Keys.Auth = dbSub.Auth
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}
