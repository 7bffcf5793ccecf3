// Package election is this core's Election Service: the external
// collaborator that tells the scheduler core when it holds leadership. It
// is adapted from the teacher's pkg/manager/manager.go — same
// Bootstrap/Join/IsLeader shape over hashicorp/raft with a raft-boltdb log
// and stable store — generalized from "the cluster's single source of
// applied commands" down to "who is leader right now", since this core
// never replicates scheduling state through Raft itself (that belongs to
// the storage layer each worker already owns).
package election

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/nimbusorch/scheduler/internal/corelog"
)

// Event is delivered on the Service's Events channel on every leadership
// transition: ElectedAsLeaderAndReady or Standby (spec.md §4.6).
type Event int

const (
	Standby Event = iota
	ElectedAsLeaderAndReady
)

// Config configures one raft peer.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
}

// Service runs a raft peer and republishes its leadership changes as
// Events on a channel the scheduler core subscribes to.
type Service struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *nullFSM
	events chan Event
}

// nullFSM is a no-op raft.FSM: this core only uses raft for leader
// election, never for replicating a command log, so Apply/Snapshot/Restore
// do nothing.
type nullFSM struct{}

func (nullFSM) Apply(*raft.Log) interface{}         { return nil }
func (nullFSM) Snapshot() (raft.FSMSnapshot, error) { return nullSnapshot{}, nil }
func (nullFSM) Restore(rc io.ReadCloser) error       { return rc.Close() }

type nullSnapshot struct{}

func (nullSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nullSnapshot) Release()                             {}

// New creates a Service and starts its raft peer, bootstrapping a
// single-node cluster if cfg.Bootstrap is set (mirrors the teacher's
// Manager.Bootstrap), otherwise leaving it to be joined via AddVoter from
// an existing leader.
func New(cfg Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	fsm := &nullFSM{}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return &Service{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		raft:     r,
		fsm:      fsm,
		events:   make(chan Event, 8),
	}, nil
}

// AddVoter adds a peer to the cluster; only valid on the current leader.
func (s *Service) AddVoter(nodeID, addr string) error {
	if !s.IsLeader() {
		return fmt.Errorf("not leader")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this peer currently holds raft leadership.
func (s *Service) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Events returns the channel of leadership transitions; the scheduler core's
// worker loop selects on it alongside its own command channel.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Run watches raft's leadership-change channel and republishes transitions
// on Events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	log := corelog.WithComponent("election")
	leaderCh := s.raft.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader, ok := <-leaderCh:
			if !ok {
				return
			}
			ev := Standby
			if isLeader {
				ev = ElectedAsLeaderAndReady
			}
			log.Info().Bool("is_leader", isLeader).Msg("leadership changed")
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Shutdown stops the raft peer.
func (s *Service) Shutdown() error {
	return s.raft.Shutdown().Error()
}
