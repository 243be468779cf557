package peer

import (
	"context"

	"github.com/memofed/memo/address"
)

// Local is the in-process Peer: the node owning addr is this node, so
// every call goes directly to handler without touching the network.
type Local struct {
	id      string
	handler Handler
}

// NewLocal wraps handler (normally the local consensus instance) as the
// Peer representing this node.
func NewLocal(id string, handler Handler) *Local {
	return &Local{id: id, handler: handler}
}

func (l *Local) ID() string { return l.id }

func (l *Local) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	return l.handler.HandleFetch(ctx, addr)
}

func (l *Local) Store(ctx context.Context, addr address.Address, data []byte) error {
	return l.handler.HandleStore(ctx, addr, data)
}

func (l *Local) Remove(ctx context.Context, addr address.Address, sig []byte) error {
	return l.handler.HandleRemove(ctx, addr, sig)
}

func (l *Local) Prepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error) {
	return l.handler.HandlePrepare(ctx, addr, proposal)
}

func (l *Local) Accept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error) {
	return l.handler.HandleAccept(ctx, addr, proposal, value)
}

func (l *Local) Confirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error {
	return l.handler.HandleConfirm(ctx, addr, proposal, value)
}

// Close is a no-op: a Local peer owns no connection to release.
func (l *Local) Close() error { return nil }
