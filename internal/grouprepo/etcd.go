package grouprepo

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// groupTreeKey is the single key holding the serialized root group tree.
// Generalized from the per-entity key prefixes in the pack's etcd store
// (beinian555-titan/pkg/store/etcd.go's JobKeyPrefix/NodeKeyPrefix): the
// group tree is one document here rather than one key per run spec, since
// the core always reads (and watches) the whole tree at once.
const groupTreeKey = "/scheduler/group-tree"

// EtcdRepository reads the group tree from etcd and can watch it for
// changes, the same Watch-to-channel shape as the pack's WatchJobs.
type EtcdRepository struct {
	client *clientv3.Client
}

// NewEtcdRepository dials etcd at the given endpoints.
func NewEtcdRepository(endpoints []string) (*EtcdRepository, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	return &EtcdRepository{client: cli}, nil
}

// Close releases the underlying etcd client.
func (r *EtcdRepository) Close() error {
	return r.client.Close()
}

// Root fetches and decodes the current group tree.
func (r *EtcdRepository) Root(ctx context.Context) (*orch.GroupSpec, error) {
	resp, err := r.client.Get(ctx, groupTreeKey)
	if err != nil {
		return nil, fmt.Errorf("get group tree: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return &orch.GroupSpec{Id: "/"}, nil
	}

	var group orch.GroupSpec
	if err := json.Unmarshal(resp.Kvs[0].Value, &group); err != nil {
		return nil, fmt.Errorf("decode group tree: %w", err)
	}
	return &group, nil
}

// Store writes the group tree, for tests and the (out of scope) control
// plane that actually accepts group submissions.
func (r *EtcdRepository) Store(ctx context.Context, group *orch.GroupSpec) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encode group tree: %w", err)
	}
	_, err = r.client.Put(ctx, groupTreeKey, string(data))
	return err
}

// Watch delivers a new *orch.GroupSpec each time the tree changes,
// generalizing the pack's WatchJobs prefix-watch (which streams individual
// job put/delete events) into a whole-tree-replace stream, since the core
// always wants the full current tree rather than a per-key diff.
func (r *EtcdRepository) Watch(ctx context.Context) <-chan *orch.GroupSpec {
	out := make(chan *orch.GroupSpec)

	go func() {
		defer close(out)
		watchCh := r.client.Watch(ctx, groupTreeKey)
		for resp := range watchCh {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var group orch.GroupSpec
				if err := json.Unmarshal(ev.Kv.Value, &group); err != nil {
					continue
				}
				select {
				case out <- &group:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
