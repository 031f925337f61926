package ownership

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutch-sh/hutch/pkg/log"
)

var bucketOwners = []byte("owners")

// ErrNotFound is returned when no ownership record exists for a session.
var ErrNotFound = errors.New("ownership record not found")

// Record maps a session to the user that created it. Records are
// immutable once written and removed only as the last step of teardown.
type Record struct {
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the ownership persistence interface consumed by the
// request gate and the session registry.
type Store interface {
	Put(rec Record) error
	Get(sessionID string) (Record, error)
	Remove(sessionID string) error
	ListByUser(username string) ([]string, error)
	Count(username string) (int, error)
	All() ([]Record, error)
	Close() error
}

// BoltStore implements Store using a bbolt database. Every mutation is
// a single transaction, so an acknowledged Put survives process crashes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the ownership database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOwners)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put writes an ownership record. A zero CreatedAt is filled in.
func (s *BoltStore) Put(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOwners)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.SessionID), data)
	})
}

// Get returns the record for sessionID, or ErrNotFound.
func (s *BoltStore) Get(sessionID string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOwners)
		data := b.Get([]byte(sessionID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Remove deletes the ownership record. Removing a record that does not
// exist is a no-op; teardown must stay idempotent.
func (s *BoltStore) Remove(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOwners)
		return b.Delete([]byte(sessionID))
	})
}

// ListByUser returns all session ids owned by username.
func (s *BoltStore) ListByUser(username string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEach(tx, func(rec Record) {
			if rec.Username == username {
				ids = append(ids, rec.SessionID)
			}
		})
	})
	return ids, err
}

// Count returns the number of sessions owned by username.
func (s *BoltStore) Count(username string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEach(tx, func(rec Record) {
			if rec.Username == username {
				count++
			}
		})
	})
	return count, err
}

// All returns every ownership record. Used by the registry on startup
// to reconcile recovered containers against the durable store.
func (s *BoltStore) All() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEach(tx, func(rec Record) {
			recs = append(recs, rec)
		})
	})
	return recs, err
}

// forEach iterates the owners bucket, dropping malformed entries with a
// warning rather than failing the whole read.
func (s *BoltStore) forEach(tx *bolt.Tx, fn func(Record)) error {
	b := tx.Bucket(bucketOwners)
	return b.ForEach(func(k, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			log.WithComponent("ownership").Warn().
				Str("key", string(k)).
				Err(err).
				Msg("dropping malformed ownership record")
			return nil
		}
		fn(rec)
		return nil
	})
}
