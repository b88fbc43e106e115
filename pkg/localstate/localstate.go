// Package localstate holds the tiny amount of durable state an agent
// keeps for itself, outside the cluster's Persistent Configuration
// Store: its own node_uuid (generated once per installation). The
// era_uuid is not stored here; flocker-agent mints a fresh one at each
// process start. Device paths are
// deliberately never cached here — §4.6 requires every mount decision to
// re-derive the path from the backend on each loop iteration.
//
// Grounded on the teacher's pkg/storage/boltdb.go bucket-per-entity
// pattern, narrowed to a single "identity" bucket holding one key,
// node_uuid.
package localstate

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketIdentity = []byte("identity")

const keyNodeUUID = "node_uuid"

// Store is a single agent's durable local identity record.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the local identity database under
// dataDir, and ensures a node_uuid has been generated exactly once.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "agent-identity.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketIdentity)
		if err != nil {
			return fmt.Errorf("create identity bucket: %w", err)
		}
		if b.Get([]byte(keyNodeUUID)) == nil {
			if err := b.Put([]byte(keyNodeUUID), []byte(uuid.NewString())); err != nil {
				return fmt.Errorf("persist generated node_uuid: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NodeUUID returns this agent's persistent identity, generated once on
// first Open and unchanged across every subsequent restart.
func (s *Store) NodeUUID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		v := b.Get([]byte(keyNodeUUID))
		if v == nil {
			return fmt.Errorf("node_uuid not found in local state")
		}
		id = string(v)
		return nil
	})
	return id, err
}
