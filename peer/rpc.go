package peer

import (
	"bytes"
	"encoding/gob"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// rpcRequest and rpcResponse are the frames exchanged over a Connection's
// wire, one channel_id per in-flight call so a single TCP/UTP connection
// can carry many concurrent RPCs. Version carries the handshake-
// negotiated protocol stamp on every frame, and Sealed carries Args or
// Result encrypted under a handshake-negotiated session key instead of
// leaving them in the clear; a connection with no negotiated key leaves
// Sealed nil and uses Args/Result directly.
type rpcRequest struct {
	ChannelID uint32
	Method    string
	Version   uint32
	Args      interface{}
	Sealed    []byte
}

type rpcResponse struct {
	ChannelID uint32
	Status    rpcStatus
	Version   uint32
	Result    interface{}
	Sealed    []byte
	ErrMsg    string
}

// sealArgs gob-encodes v and seals it under key, for a connection that
// negotiated a session key during its handshake.
func sealArgs(key cryptoutil.SealKey, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return cryptoutil.Seal(key, buf.Bytes())
}

// openArgs reverses sealArgs: opens sealed under key and gob-decodes it
// back into an interface{} holding its original registered concrete type.
func openArgs(key cryptoutil.SealKey, sealed []byte) (interface{}, error) {
	plain, err := cryptoutil.Open(key, sealed)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

type rpcStatus uint8

const (
	statusOK rpcStatus = iota
	statusError
	statusUnknownRPC
)

// Method names, matching Handler's methods one-to-one.
const (
	methodFetch   = "Fetch"
	methodStore   = "Store"
	methodRemove  = "Remove"
	methodPrepare = "Prepare"
	methodAccept  = "Accept"
	methodConfirm = "Confirm"
)

type fetchArgs struct{ Addr address.Address }
type fetchResult struct{ Data []byte }

type storeArgs struct {
	Addr address.Address
	Data []byte
}
type storeResult struct{}

type removeArgs struct {
	Addr address.Address
	Sig  []byte
}
type removeResult struct{}

type prepareArgs struct {
	Addr     address.Address
	Proposal uint64
}
type prepareResult struct {
	Proposal uint64
	Value    []byte
	HasValue bool
}

type acceptArgs struct {
	Addr     address.Address
	Proposal uint64
	Value    []byte
}
type acceptResult struct{ Accepted bool }

type confirmArgs struct {
	Addr     address.Address
	Proposal uint64
	Value    []byte
}
type confirmResult struct{}

func init() {
	gob.Register(fetchArgs{})
	gob.Register(fetchResult{})
	gob.Register(storeArgs{})
	gob.Register(storeResult{})
	gob.Register(removeArgs{})
	gob.Register(removeResult{})
	gob.Register(prepareArgs{})
	gob.Register(prepareResult{})
	gob.Register(acceptArgs{})
	gob.Register(acceptResult{})
	gob.Register(confirmArgs{})
	gob.Register(confirmResult{})
}
