package checkpoint

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// LightCacheStore persists ethash light caches keyed by mode and epoch so a
// restart skips cache generation.
type LightCacheStore struct {
	db *bbolt.DB
}

// NewLightCacheStore opens (or creates) the cache database at dbPath.
func NewLightCacheStore(dbPath string) (*LightCacheStore, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return &LightCacheStore{db: db}, nil
}

// Close closes the underlying database
func (s *LightCacheStore) Close() error {
	return s.db.Close()
}

func bucketName(mode string) []byte {
	return []byte("light-" + mode)
}

func epochKey(epoch uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], epoch)
	return k[:]
}

// LoadCache returns a copy of the stored cache for epoch, if any.
func (s *LightCacheStore) LoadCache(mode string, epoch uint64) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mode))
		if b == nil {
			return nil
		}
		if v := b.Get(epochKey(epoch)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// StoreCache saves the cache for epoch, replacing any previous value.
func (s *LightCacheStore) StoreCache(mode string, epoch uint64, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(mode))
		if err != nil {
			return err
		}
		return b.Put(epochKey(epoch), data)
	})
}

// Epochs lists stored epochs for mode in ascending order.
func (s *LightCacheStore) Epochs(mode string) ([]uint64, error) {
	var epochs []uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mode))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			epochs = append(epochs, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	return epochs, err
}

// Prune deletes every stored epoch of mode below keepFrom.
func (s *LightCacheStore) Prune(mode string, keepFrom uint64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mode))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) < keepFrom; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
