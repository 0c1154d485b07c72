package storage

import (
	"fmt"

	"veranda/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

type BlobMetadata struct {
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
	RoomID    string `msgpack:"roomId"`
}

func (f *BlobMetadata) Key() []byte {
	return []byte(f.Name)
}

func (f *BlobMetadata) MarshalBinary() (data []byte, err error) {
	type alias BlobMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *BlobMetadata) UnmarshalBinary(data []byte) error {
	type alias BlobMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertBlobMetadata(meta BlobMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal blob metadata: %w", err)
		}
		return b.Put(meta.Key(), data)
	})
}

func (s *BboltStorage) GetBlobMetadata(name string) (BlobMetadata, error) {
	var meta BlobMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("blob metadata for %s: %w", name, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
