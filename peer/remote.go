package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/blockerr"
)

// Remote is a Peer reached over a Dock-managed Connection, speaking the
// channel-multiplexed RPC protocol.
type Remote struct {
	id   string
	conn *Connection
}

// NewRemote wraps conn as the Peer identified by id.
func NewRemote(id string, conn *Connection) *Remote {
	return &Remote{id: id, conn: conn}
}

func (r *Remote) ID() string { return r.id }

func responseToErr(resp rpcResponse, method string) error {
	switch resp.Status {
	case statusOK:
		return nil
	case statusUnknownRPC:
		return blockerr.UnknownRPC
	default:
		if resp.ErrMsg == "" {
			return fmt.Errorf("peer: %s failed", method)
		}
		return errors.New(resp.ErrMsg)
	}
}

func (r *Remote) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	resp, err := r.conn.Call(ctx, methodFetch, fetchArgs{Addr: addr})
	if err != nil {
		return nil, err
	}
	if err := responseToErr(resp, methodFetch); err != nil {
		return nil, err
	}
	result, ok := resp.Result.(fetchResult)
	if !ok {
		return nil, fmt.Errorf("peer: malformed Fetch response")
	}
	return result.Data, nil
}

func (r *Remote) Store(ctx context.Context, addr address.Address, data []byte) error {
	resp, err := r.conn.Call(ctx, methodStore, storeArgs{Addr: addr, Data: data})
	if err != nil {
		return err
	}
	return responseToErr(resp, methodStore)
}

func (r *Remote) Remove(ctx context.Context, addr address.Address, sig []byte) error {
	resp, err := r.conn.Call(ctx, methodRemove, removeArgs{Addr: addr, Sig: sig})
	if err != nil {
		return err
	}
	return responseToErr(resp, methodRemove)
}

func (r *Remote) Prepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error) {
	resp, err := r.conn.Call(ctx, methodPrepare, prepareArgs{Addr: addr, Proposal: proposal})
	if err != nil {
		return PrepareResult{}, err
	}
	if err := responseToErr(resp, methodPrepare); err != nil {
		return PrepareResult{}, err
	}
	result, ok := resp.Result.(prepareResult)
	if !ok {
		return PrepareResult{}, fmt.Errorf("peer: malformed Prepare response")
	}
	return PrepareResult{Proposal: result.Proposal, Value: result.Value, HasValue: result.HasValue}, nil
}

func (r *Remote) Accept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error) {
	resp, err := r.conn.Call(ctx, methodAccept, acceptArgs{Addr: addr, Proposal: proposal, Value: value})
	if err != nil {
		return AcceptResult{}, err
	}
	if err := responseToErr(resp, methodAccept); err != nil {
		return AcceptResult{}, err
	}
	result, ok := resp.Result.(acceptResult)
	if !ok {
		return AcceptResult{}, fmt.Errorf("peer: malformed Accept response")
	}
	return AcceptResult{Accepted: result.Accepted}, nil
}

func (r *Remote) Confirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error {
	resp, err := r.conn.Call(ctx, methodConfirm, confirmArgs{Addr: addr, Proposal: proposal, Value: value})
	if err != nil {
		return err
	}
	return responseToErr(resp, methodConfirm)
}

func (r *Remote) Close() error {
	return r.conn.Close()
}
