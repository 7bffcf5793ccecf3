package trackerhub

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusorch/scheduler/internal/orch"
)

var bucketInstances = []byte("instances")

// NewPersistentMemTracker opens (creating if absent) a bbolt database at
// dbPath and returns a MemTracker that mirrors every SetGoal/Put into it,
// seeded from whatever was already on disk. This follows the same
// bucket-per-entity, JSON-encoded-value shape as the teacher's BoltStore
// (pkg/storage/boltdb.go), narrowed to the one bucket this tracker needs.
func NewPersistentMemTracker(dbPath string) (*MemTracker, func() error, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open instance snapshot db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	}); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create instances bucket: %w", err)
	}

	m := NewMemTracker()

	if err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var inst orch.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			m.instances[inst.Id] = inst
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load instance snapshot: %w", err)
	}

	m.persist = func(inst orch.Instance) {
		data, err := json.Marshal(inst)
		if err != nil {
			return
		}
		_ = db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketInstances).Put([]byte(inst.Id), data)
		})
	}

	return m, db.Close, nil
}
