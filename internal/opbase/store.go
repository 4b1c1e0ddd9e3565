package opbase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("operation_runs")

// Store is a durable run-state checkpoint: every Emit call writes the
// latest Progress for an operation ID so an embedder can inspect the last
// reported phase after a crash. It is not a resume mechanism — spec.md §9
// leaves resume semantics as an open question for the embedder; this is
// only the durability substrate underneath it, mirroring how the teacher's
// SQLite database package persists image/unpack/snapshot state rather than
// keeping it only in memory.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opbase: failed to open run-state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opbase: failed to initialize run-state bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkpoint(id ulid.ULID, p Progress) {
	if s == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(id[:], data)
	})
}

// LastProgress returns the last checkpointed Progress for an operation ID.
func (s *Store) LastProgress(id ulid.ULID) (Progress, bool) {
	var p Progress
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(runsBucket).Get(id[:])
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &p); err == nil {
			found = true
		}
		return nil
	})
	return p, found
}
