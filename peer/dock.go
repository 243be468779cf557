package peer

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	utp "github.com/anacrolix/utp"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/passport"
)

// Transport selects which socket type Dock uses to reach a peer.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportUTP
)

type refPeer struct {
	peer Peer
	refs int
}

// DockOptions configures a Dock.
type DockOptions struct {
	ListenTCP      string // empty disables the TCP listener
	ListenUTP      string // empty disables the UTP listener
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
	Registry       *prometheus.Registry
	// AnnounceTopic, if non-nil, is used by Broadcast to additionally
	// gossip-publish announcements (e.g. quorum rebalance notices)
	// alongside the point-to-point RPC fanout.
	AnnounceTopic *pubsub.Topic
	// Heartbeat, if nonzero and OnPeerDown is set, starts a background
	// keepalive ping on every freshly-dialed Remote connection.
	// OnPeerDown, if set, is called with the peer's node id the first
	// time its heartbeat fails a round trip.
	Heartbeat  time.Duration
	OnPeerDown func(id string)

	// Identity, if set, is this node's own passport and key pair,
	// presented as the server side of every inbound handshake and as the
	// client side of every outbound dial. A nil Identity
	// presents no passport and negotiates no session key.
	Identity *Identity
	// Authenticator, if set, verifies the passport presented by a dialing
	// peer and enables write-bit enforcement in dispatch. A nil
	// Authenticator accepts every caller without a passport check.
	Authenticator *Authenticator
}

// Dock is the per-process connection pool: it owns the
// TCP/UTP listeners, a cache of shared Peer handles keyed by node id, and
// the local IP set discovered at startup.
type Dock struct {
	opts   DockOptions
	logger *logrus.Logger

	mu       sync.Mutex
	cache    map[string]*refPeer
	localIPs map[string]bool

	tcpListener net.Listener
	utpSocket   *utp.Socket

	connGauge prometheus.Gauge

	heartbeatCtx    context.Context
	heartbeatCancel context.CancelFunc
}

// NewDock builds a Dock and starts any configured listeners. Call Serve
// to begin dispatching incoming RPCs to handler.
func NewDock(opts DockOptions) (*Dock, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dock{
		opts: opts, logger: logger,
		cache:    make(map[string]*refPeer),
		localIPs: localInterfaceAddrs(),
	}
	d.heartbeatCtx, d.heartbeatCancel = context.WithCancel(context.Background())
	if opts.Registry != nil {
		d.connGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memo_dock_connections", Help: "Number of live peer connections held by this Dock",
		})
		opts.Registry.MustRegister(d.connGauge)
	}
	if opts.ListenTCP != "" {
		ln, err := net.Listen("tcp", opts.ListenTCP)
		if err != nil {
			return nil, fmt.Errorf("peer: listen tcp: %w", err)
		}
		d.tcpListener = ln
	}
	if opts.ListenUTP != "" {
		sock, err := utp.NewSocket("udp", opts.ListenUTP)
		if err != nil {
			if d.tcpListener != nil {
				d.tcpListener.Close()
			}
			return nil, fmt.Errorf("peer: listen utp: %w", err)
		}
		d.utpSocket = sock
	}
	return d, nil
}

// TCPAddr returns the address the TCP listener bound to, or nil if none
// was configured. Useful when ListenTCP used port 0.
func (d *Dock) TCPAddr() net.Addr {
	if d.tcpListener == nil {
		return nil
	}
	return d.tcpListener.Addr()
}

func localInterfaceAddrs() map[string]bool {
	out := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			out[ipNet.IP.String()] = true
		}
	}
	return out
}

// IsLocal reports whether host is one of this node's own interface
// addresses, used to avoid a node dialing itself as if it were remote.
func (d *Dock) IsLocal(host string) bool {
	return d.localIPs[host]
}

// MakePeer returns a cached peer for ref.ID or dials a fresh connection,
// refcounting the shared handle across all callers.
func (d *Dock) MakePeer(ctx context.Context, ref overlay.PeerRef, transport Transport) (Peer, error) {
	d.mu.Lock()
	if rp, ok := d.cache[ref.ID]; ok {
		rp.refs++
		d.mu.Unlock()
		return &sharedPeer{dock: d, id: ref.ID, Peer: rp.peer}, nil
	}
	d.mu.Unlock()

	dialer := func(dialCtx context.Context) (net.Conn, error) {
		switch transport {
		case TransportUTP:
			sock, err := utp.NewSocket("udp", "")
			if err != nil {
				return nil, err
			}
			return sock.Dial(ref.Address)
		default:
			var nd net.Dialer
			return nd.DialContext(dialCtx, "tcp", ref.Address)
		}
	}
	conn := NewConnection(dialer, d.opts.ConnectTimeout, d.logger, d.opts.Identity)
	remote := NewRemote(ref.ID, conn)

	d.mu.Lock()
	if rp, ok := d.cache[ref.ID]; ok {
		// Lost a race with a concurrent MakePeer for the same id; reuse
		// the winner's handle and drop ours.
		rp.refs++
		d.mu.Unlock()
		remote.Close()
		return &sharedPeer{dock: d, id: ref.ID, Peer: rp.peer}, nil
	}
	d.cache[ref.ID] = &refPeer{peer: remote, refs: 1}
	d.mu.Unlock()
	if d.connGauge != nil {
		d.connGauge.Inc()
	}
	if d.opts.Heartbeat > 0 && d.opts.OnPeerDown != nil {
		id := ref.ID
		conn.Heartbeat(d.heartbeatCtx, d.opts.Heartbeat, func(err error) {
			d.logger.Warnf("peer: heartbeat failed for %s: %v", id, err)
			d.opts.OnPeerDown(id)
		})
	}
	return &sharedPeer{dock: d, id: ref.ID, Peer: remote}, nil
}

// RegisterLocal installs p as the permanently-cached peer for id, so
// MakePeer(ctx, overlay.PeerRef{ID: id,...}, _) returns it instead of
// dialing out — used to address this node itself without going over the
// network"). The registration
// holds one permanent reference; Close still tears it down.
func (d *Dock) RegisterLocal(id string, p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[id] = &refPeer{peer: p, refs: 1}
}

func (d *Dock) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rp, ok := d.cache[id]
	if !ok {
		return
	}
	rp.refs--
	if rp.refs <= 0 {
		rp.peer.Close()
		delete(d.cache, id)
		if d.connGauge != nil {
			d.connGauge.Dec()
		}
	}
}

// sharedPeer wraps a refcounted cache entry: Close drops one reference
// instead of tearing down the underlying connection, which only happens
// when the refcount reaches zero.
type sharedPeer struct {
	Peer
	dock *Dock
	id   string
}

func (s *sharedPeer) Close() error {
	s.dock.release(s.id)
	return nil
}

// Serve accepts connections on every configured listener and dispatches
// decoded RPC requests to handler until ctx is canceled.
func (d *Dock) Serve(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	if d.tcpListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.acceptLoop(ctx, d.tcpListener, handler)
		}()
	}
	if d.utpSocket != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.acceptLoop(ctx, d.utpSocket, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (d *Dock) acceptLoop(ctx context.Context, ln net.Listener, handler Handler) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warnf("peer: accept: %v", err)
			return
		}
		go serveConn(ctx, conn, handler, d.logger, d.opts.Identity, d.opts.Authenticator)
	}
}

// Close tears down every listener and cached connection.
func (d *Dock) Close() error {
	d.heartbeatCancel()
	d.mu.Lock()
	for id, rp := range d.cache {
		rp.peer.Close()
		delete(d.cache, id)
	}
	d.mu.Unlock()
	if d.tcpListener != nil {
		d.tcpListener.Close()
	}
	if d.utpSocket != nil {
		d.utpSocket.Close()
	}
	return nil
}

// Broadcast issues method(args) against every currently cached peer in
// parallel, ignoring peers that answer UnknownRPC — legacy peers without
// the method. Callers must gob.Register
// the concrete type of args once at init time. If an AnnounceTopic is
// configured, payload is additionally gossip-published for peers this
// Dock has no direct connection to.
func (d *Dock) Broadcast(ctx context.Context, method string, args interface{}, payload []byte) []error {
	d.mu.Lock()
	peers := make([]*refPeer, 0, len(d.cache))
	for _, rp := range d.cache {
		peers = append(peers, rp)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(peers))
	for i, rp := range peers {
		wg.Add(1)
		go func(i int, rp *refPeer) {
			defer wg.Done()
			conn, ok := underlyingConnection(rp.peer)
			if !ok {
				return
			}
			resp, err := conn.Call(ctx, method, args)
			if err != nil {
				errs[i] = err
				return
			}
			if resp.Status == statusUnknownRPC {
				return
			}
			if resp.Status != statusOK {
				errs[i] = fmt.Errorf("peer: broadcast %s: %s", method, resp.ErrMsg)
			}
		}(i, rp)
	}
	wg.Wait()

	if d.opts.AnnounceTopic != nil && payload != nil {
		if err := d.opts.AnnounceTopic.Publish(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("peer: gossip announce: %w", err))
		}
	}
	return errs
}

func underlyingConnection(p Peer) (*Connection, bool) {
	r, ok := p.(*Remote)
	if !ok {
		return nil, false
	}
	return r.conn, true
}

// serveConn runs the server-side request/response loop for one accepted
// connection until it errors or closes. It first runs the passport
// handshake; a connection that fails it is closed before
// any RPC is dispatched.
func serveConn(ctx context.Context, conn net.Conn, handler Handler, logger *logrus.Logger, identity *Identity, auth *Authenticator) {
	defer conn.Close()
	dec := gob.NewDecoder(bufio.NewReader(conn))
	enc := gob.NewEncoder(conn)
	var writeMu sync.Mutex

	caller, sessionKey, hasKey, err := serverHandshake(enc, dec, identity, auth)
	if err != nil {
		logger.Debugf("peer: handshake failed: %v", err)
		return
	}

	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		if hasKey && req.Sealed != nil {
			args, err := openArgs(sessionKey, req.Sealed)
			if err != nil {
				logger.Debugf("peer: open sealed request: %v", err)
				continue
			}
			req.Args = args
		}
		go func(req rpcRequest) {
			resp := dispatch(ctx, handler, req, caller, auth != nil)
			if hasKey && resp.Result != nil {
				sealed, err := sealArgs(sessionKey, resp.Result)
				if err != nil {
					logger.Debugf("peer: seal response: %v", err)
				} else {
					resp.Sealed = sealed
					resp.Result = nil
				}
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := enc.Encode(&resp); err != nil {
				logger.Debugf("peer: write response: %v", err)
			}
		}(req)
	}
}

// writeRequired reports whether method mutates state, and so requires a
// caller passport with the write bit set when an Authenticator is
// configured.
func writeRequired(method string) bool {
	switch method {
	case methodStore, methodRemove, methodAccept, methodConfirm:
		return true
	default:
		return false
	}
}

func dispatch(ctx context.Context, handler Handler, req rpcRequest, caller *passport.Passport, enforcePassport bool) rpcResponse {
	if req.Version != 0 && req.Version != ProtocolVersion {
		return errResponse(req.ChannelID, fmt.Sprintf("%v: %s", ErrUnsupportedVersion, req.Method))
	}
	// Only refuse on a missing write bit when the server actually checks
	// passports; a Dock with no Authenticator serves every caller,
	// matching the pre-handshake behavior.
	if enforcePassport && writeRequired(req.Method) && (caller == nil || !caller.AllowWrite) {
		return errResponse(req.ChannelID, fmt.Sprintf("%v: write bit not set for %s", blockerr.ValidationFailed, req.Method))
	}
	switch req.Method {
	case methodFetch:
		a, ok := req.Args.(fetchArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Fetch args")
		}
		data, err := handler.HandleFetch(ctx, a.Addr)
		return resultResponse(req.ChannelID, err, fetchResult{Data: data})
	case methodStore:
		a, ok := req.Args.(storeArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Store args")
		}
		err := handler.HandleStore(ctx, a.Addr, a.Data)
		return resultResponse(req.ChannelID, err, storeResult{})
	case methodRemove:
		a, ok := req.Args.(removeArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Remove args")
		}
		err := handler.HandleRemove(ctx, a.Addr, a.Sig)
		return resultResponse(req.ChannelID, err, removeResult{})
	case methodPrepare:
		a, ok := req.Args.(prepareArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Prepare args")
		}
		result, err := handler.HandlePrepare(ctx, a.Addr, a.Proposal)
		return resultResponse(req.ChannelID, err, prepareResult{Proposal: result.Proposal, Value: result.Value, HasValue: result.HasValue})
	case methodAccept:
		a, ok := req.Args.(acceptArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Accept args")
		}
		result, err := handler.HandleAccept(ctx, a.Addr, a.Proposal, a.Value)
		return resultResponse(req.ChannelID, err, acceptResult{Accepted: result.Accepted})
	case methodConfirm:
		a, ok := req.Args.(confirmArgs)
		if !ok {
			return errResponse(req.ChannelID, "peer: bad Confirm args")
		}
		err := handler.HandleConfirm(ctx, a.Addr, a.Proposal, a.Value)
		return resultResponse(req.ChannelID, err, confirmResult{})
	default:
		return rpcResponse{ChannelID: req.ChannelID, Status: statusUnknownRPC}
	}
}

func resultResponse(channelID uint32, err error, result interface{}) rpcResponse {
	if err != nil {
		if blockerr.Classify(err) == blockerr.KindUnknownRPC {
			return rpcResponse{ChannelID: channelID, Status: statusUnknownRPC}
		}
		return rpcResponse{ChannelID: channelID, Status: statusError, ErrMsg: err.Error()}
	}
	return rpcResponse{ChannelID: channelID, Status: statusOK, Result: result}
}

func errResponse(channelID uint32, msg string) rpcResponse {
	return rpcResponse{ChannelID: channelID, Status: statusError, ErrMsg: msg}
}
