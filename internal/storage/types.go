package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	AvatarURL    string `msgpack:"avatarUrl"`
	PasswordHash string `msgpack:"passwordHash"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	ID                   string `msgpack:"id"`
	Name                 string `msgpack:"name"`
	PhotoURL             string `msgpack:"photoUrl"`
	LastMessageTimestamp int64  `msgpack:"lastMessageTimestamp"`
	IsDM                 bool   `msgpack:"isDm"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBMessage is keyed by its per-room sequence number so that a cursor walk
// returns messages in creation order.
type DBMessage struct {
	Seq        uint64 `msgpack:"seq"`
	ID         string `msgpack:"id"`
	RoomID     string `msgpack:"roomId"`
	SenderName string `msgpack:"senderName"`
	SenderID   string `msgpack:"senderId"`
	Text       string `msgpack:"text"`
	ImageURL   string `msgpack:"imageUrl"`
	ImageName  string `msgpack:"imageName"`
	Timestamp  int64  `msgpack:"timestamp"`
	Time       string `msgpack:"time"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBRecentRoom struct {
	RoomID    string `msgpack:"roomId"`
	Name      string `msgpack:"name"`
	PhotoURL  string `msgpack:"photoUrl"`
	Timestamp int64  `msgpack:"timestamp"`
}

func (r *DBRecentRoom) Key() []byte {
	return []byte(r.RoomID)
}

func (r *DBRecentRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRecentRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRecentRoom) UnmarshalBinary(data []byte) error {
	type alias DBRecentRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBPushSubscription struct {
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
