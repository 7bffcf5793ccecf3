// Package deploymgr is the Deployment Manager of spec.md §4.5: it resolves
// conflicts between active plans, persists plans, spawns Step Executors for
// them, and recovers persisted plans on leadership acquisition. The
// repository half of this file is adapted from the teacher's
// pkg/storage/boltdb.go bucket-per-entity JSON pattern, generalized from
// one bucket per resource kind to a single "deployments" bucket keyed by
// plan id.
package deploymgr

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusorch/scheduler/internal/orch"
)

var bucketDeployments = []byte("deployments")

// Repository persists active deployment plans so they can be resumed after
// a leadership change.
type Repository interface {
	Save(plan orch.DeploymentPlan) error
	Delete(planId string) error
	List() ([]orch.DeploymentPlan, error)
}

// BoltRepository is a bbolt-backed Repository.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens (creating if absent) a bbolt database at
// dataDir/deployments.db with the deployments bucket ready.
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "deployments.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open deployments db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeployments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

// Close releases the underlying database handle.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func (r *BoltRepository) Save(plan orch.DeploymentPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.Id, err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(plan.Id), data)
	})
}

func (r *BoltRepository) Delete(planId string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Delete([]byte(planId))
	})
}

func (r *BoltRepository) List() ([]orch.DeploymentPlan, error) {
	var plans []orch.DeploymentPlan
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var plan orch.DeploymentPlan
			if err := json.Unmarshal(v, &plan); err != nil {
				return err
			}
			plans = append(plans, plan)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return plans, nil
}

// MemRepository is an in-memory Repository, for tests.
type MemRepository struct {
	plans map[string]orch.DeploymentPlan
}

// NewMemRepository creates an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{plans: make(map[string]orch.DeploymentPlan)}
}

func (r *MemRepository) Save(plan orch.DeploymentPlan) error {
	r.plans[plan.Id] = plan
	return nil
}

func (r *MemRepository) Delete(planId string) error {
	delete(r.plans, planId)
	return nil
}

func (r *MemRepository) List() ([]orch.DeploymentPlan, error) {
	out := make([]orch.DeploymentPlan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	return out, nil
}
