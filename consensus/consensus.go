// Package consensus sits between the model facade and the peer layer.
// Immutable kinds (CHB, NB, UB) use simple quorum
// replication; mutable kinds (OKB, ACB, GB) run one Multi-Paxos instance
// per address. Cache and Async are composable wrappers over either.
package consensus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/memofed/memo/block"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/peer"
)

// ErrNoQuorum is returned when too few peers acked an operation to reach
// the required majority.
var ErrNoQuorum = errors.New("consensus: failed to reach quorum")

// PeerMaker is the subset of peer.Dock that consensus needs: turning an
// overlay.PeerRef into a live, refcounted peer.Peer. peer.Dock satisfies
// this directly.
type PeerMaker interface {
	MakePeer(ctx context.Context, ref overlay.PeerRef, transport peer.Transport) (peer.Peer, error)
}

// Config is shared tuning for both the immutable and Paxos consensus
// backends.
type Config struct {
	// ReplicationFactor is the network-wide replication factor: the
	// quorum size for both flavors of consensus.
	ReplicationFactor int
	// RebalanceAutoExpand enables automatic quorum reconfiguration when a
	// Paxos peer is declared down.
	RebalanceAutoExpand bool
	// Logger records Paxos decision points (prepare/accept/confirm
	// outcomes, reconfiguration). A nil Logger is replaced with zap.NewNop().
	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// quorumSize is the strict-majority ack threshold required for both
// immutable acks and Paxos accepts.
func quorumSize(factor int) int {
	return factor/2 + 1
}

// ConflictResolver is invoked when a Paxos round decides a value other
// than the caller's proposal: it receives (proposed, current) and returns
// either a new block to retry with, or ok=false to abort with
// blockerr.Conflict.
type ConflictResolver interface {
	Resolve(proposed, current block.Block) (retry block.Block, ok bool)
}

func firstNonNil(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
