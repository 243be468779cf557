// Package model implements the top-level facade: the four public CRUD entry
// points — Fetch, Insert, Update, Remove — that convert block-typed
// calls into consensus operations, wrap the low-level silo/peer/overlay
// errors into the blockerr taxonomy, and publish OnStore/OnFetch/OnRemove
// lifecycle hooks for higher layers (a cache warmer, free-space
// advertisement, and so on) to observe without coupling to consensus
// internals.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/consensus"
	"github.com/memofed/memo/cryptoutil"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/passport"
	"github.com/memofed/memo/peer"
	"github.com/memofed/memo/silo"
)

// Hook observes a block that was just stored or fetched.
type Hook func(block.Block)

// RemoveHook observes an address that was just removed.
type RemoveHook func(address.Address)

// Options configures a Model: owner identity, the
// consensus/overlay/peer stack it drives, and the node-level knobs
// (listening addresses, timeouts, protocol choice) needed to stand up
// that stack when the caller doesn't supply pre-built components.
type Options struct {
	// OwnerID identifies this node in the overlay and RPC layer.
	OwnerID address.Address
	// OwnerKeys signs blocks this node originates (OKB/ACB/GB seals,
	// RemoveSignatures). Required.
	OwnerKeys *cryptoutil.PrivateKey
	// Passport is this node's capability to participate in the network:
	// it's presented as this node's identity in every peer RPC handshake,
	// and, when NetworkOwnerKey is set, a caller's passport is verified
	// and its write bit enforced before any mutating RPC reaches the
	// local handler.
	Passport *passport.Passport
	// NetworkOwnerKey, if set, makes this node's Dock verify every
	// inbound caller's passport against it and refuse Store/Remove/
	// Accept/Confirm RPCs from a caller whose write bit isn't set. A nil
	// NetworkOwnerKey accepts every caller without a passport check,
	// matching this layer's previous advisory-only behavior.
	NetworkOwnerKey *cryptoutil.PublicKey
	// PassportKeyCacheSize bounds the passport.KeyCache that memoizes
	// resolved caller keys when NetworkOwnerKey is set. Defaults to 256.
	PassportKeyCacheSize int
	// AdminKeys are network-admin public keys, consulted by higher
	// layers when authorizing GB group-admin operations.
	AdminKeys []*cryptoutil.PublicKey

	// Overlay resolves addresses to candidate peers. Required.
	Overlay overlay.Overlay
	// Silo backs this node's own copy of whatever blocks it's asked to
	// hold. Defaults to silo.NewMemory().
	Silo silo.Silo

	// Dock is the connection pool used to reach other peers. If nil, one
	// is built from ListenTCP/ListenUTP/ConnectTimeout/TCPHeartbeat and
	// owned (closed) by the Model. Outbound consensus dials always use
	// TCP, whichever Dock is used; ListenUTP only opens an inbound UTP
	// listener.
	Dock      *peer.Dock
	ListenTCP string
	ListenUTP string

	ConnectTimeout  time.Duration
	SoftFailTimeout time.Duration
	TCPHeartbeat    time.Duration

	// ReplicationFactor is the network-wide replication factor.
	// Defaults to 1 (useful for Kalimero single-node setups).
	ReplicationFactor int
	// RebalanceAutoExpand enables Paxos quorum reconfiguration on a
	// declared-down peer.
	RebalanceAutoExpand bool
	// NodeTag differentiates this node's Paxos proposal numbers from
	// other nodes sharing a quorum; should be unique per node.
	NodeTag uint64

	// CacheCapacity > 0 wraps both consensus backends in a stacked
	// consensus.Cache of that size.
	CacheCapacity    int
	CacheTTL         time.Duration
	CacheOverflowDir string

	// AsyncJournalDir, if non-empty, wraps both consensus backends in a
	// stacked consensus.Async journal rooted at that directory. The
	// replay loop runs for the Model's lifetime.
	AsyncJournalDir string
	AsyncMaxSquash  int

	// ResignOnShutdown flushes any stacked Async journal synchronously
	// on Close rather than leaving writes for a restart to replay.
	ResignOnShutdown bool

	Logger       *logrus.Logger
	ConsensusLog *zap.Logger
	Registry     *prometheus.Registry
}

// Model is the public CRUD facade.
type Model struct {
	opts    Options
	logger  *logrus.Logger
	dock    *peer.Dock
	ownDock bool
	handler *consensus.NodeHandler
	paxos   *consensus.Paxos

	immutable consensus.Backend
	mutable   consensus.Backend
	asyncImm  *consensus.Async
	asyncMut  *consensus.Async

	mu       sync.Mutex
	onStore  []Hook
	onFetch  []Hook
	onRemove []RemoveHook
}

// New builds a Model from opts, constructing any component opts didn't
// supply directly (Dock, Silo).
func New(opts Options) (*Model, error) {
	if opts.Overlay == nil {
		return nil, fmt.Errorf("model: Overlay is required")
	}
	if opts.OwnerKeys == nil {
		return nil, fmt.Errorf("model: OwnerKeys is required")
	}
	if opts.Passport == nil {
		return nil, fmt.Errorf("model: Passport is required")
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ConsensusLog == nil {
		opts.ConsensusLog = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Silo == nil {
		opts.Silo = silo.NewMemory()
	}

	m := &Model{opts: opts, logger: opts.Logger}

	handler := consensus.NewNodeHandler(opts.Silo)
	handler.Collision = consensus.UBUpsertResolver{}
	m.handler = handler

	dock := opts.Dock
	ownDock := false
	if dock == nil {
		ownDock = true
		identity := &peer.Identity{Keys: opts.OwnerKeys, Passport: opts.Passport}
		var authenticator *peer.Authenticator
		if opts.NetworkOwnerKey != nil {
			size := opts.PassportKeyCacheSize
			if size <= 0 {
				size = 256
			}
			cache, err := passport.NewKeyCache(size)
			if err != nil {
				return nil, fmt.Errorf("model: build passport key cache: %w", err)
			}
			authenticator = &peer.Authenticator{NetworkOwner: opts.NetworkOwnerKey, KeyCache: cache}
		}
		d, err := peer.NewDock(peer.DockOptions{
			ListenTCP:      opts.ListenTCP,
			ListenUTP:      opts.ListenUTP,
			ConnectTimeout: opts.ConnectTimeout,
			Logger:         opts.Logger,
			Registry:       opts.Registry,
			Heartbeat:      opts.TCPHeartbeat,
			Identity:       identity,
			Authenticator:  authenticator,
			OnPeerDown: func(id string) {
				if m.paxos != nil {
					m.paxos.DeclareDown(id)
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("model: build dock: %w", err)
		}
		dock = d
	}
	dock.RegisterLocal(opts.OwnerID.String(), peer.NewLocal(opts.OwnerID.String(), handler))
	m.dock = dock
	m.ownDock = ownDock

	cfg := consensus.Config{
		ReplicationFactor:   opts.ReplicationFactor,
		RebalanceAutoExpand: opts.RebalanceAutoExpand,
		Logger:              opts.ConsensusLog,
	}

	imm := consensus.NewImmutable(opts.Overlay, dock, cfg)
	imm.Collision = consensus.UBUpsertResolver{}
	px := consensus.NewPaxos(opts.Overlay, dock, cfg, opts.NodeTag)
	m.paxos = px

	var immBackend, mutBackend consensus.Backend = imm.AsBackend(), px.AsBackend()

	if opts.CacheCapacity > 0 {
		immCache, err := consensus.NewCache(immBackend, opts.CacheCapacity, 0, opts.CacheOverflowDir)
		if err != nil {
			return nil, fmt.Errorf("model: build immutable cache: %w", err)
		}
		mutCache, err := consensus.NewCache(mutBackend, opts.CacheCapacity, opts.CacheTTL, opts.CacheOverflowDir)
		if err != nil {
			return nil, fmt.Errorf("model: build mutable cache: %w", err)
		}
		immBackend, mutBackend = immCache, mutCache
	}

	if opts.AsyncJournalDir != "" {
		immAsync, err := consensus.NewAsync(immBackend, opts.AsyncJournalDir+"/immutable", opts.AsyncMaxSquash)
		if err != nil {
			return nil, fmt.Errorf("model: build immutable async journal: %w", err)
		}
		mutAsync, err := consensus.NewAsync(mutBackend, opts.AsyncJournalDir+"/mutable", opts.AsyncMaxSquash)
		if err != nil {
			return nil, fmt.Errorf("model: build mutable async journal: %w", err)
		}
		immBackend, mutBackend = immAsync, mutAsync
		m.asyncImm, m.asyncMut = immAsync, mutAsync
		go immAsync.Start(context.Background())
		go mutAsync.Start(context.Background())
	}

	m.immutable = immBackend
	m.mutable = mutBackend
	return m, nil
}

func isImmutableKind(k block.Kind) bool {
	switch k {
	case block.KindCHB, block.KindNB, block.KindUB:
		return true
	default:
		return false
	}
}

func (m *Model) backendForKind(k block.Kind) consensus.Backend {
	if isImmutableKind(k) {
		return m.immutable
	}
	return m.mutable
}

func (m *Model) backendForAddr(addr address.Address) consensus.Backend {
	if addr.IsMutable() {
		return m.mutable
	}
	return m.immutable
}

func wrapValidation(err error) error {
	return fmt.Errorf("%w: %v", blockerr.ValidationFailed, err)
}

// Fetch retrieves and validates the block at addr. The
// returned block always passes Validate(writing=false); a block that
// fails validation is surfaced as blockerr.ValidationFailed rather than
// handed to the caller.
func (m *Model) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	backend := m.backendForAddr(addr)
	blk, err := backend.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	if blk == nil {
		return nil, blockerr.MissingBlock
	}
	if err := blk.Validate(false); err != nil {
		return nil, wrapValidation(err)
	}
	// An encrypted ACB is only readable by principals holding a wrapped
	// copy of its payload key. A reader whose ACL entry was revoked can no
	// longer unwrap it, and gets ValidationFailed instead of bytes they
	// can never open.
	if acb, ok := blk.(*block.ACB); ok && acb.Encrypted() {
		if _, err := acb.Decrypt(m.opts.OwnerKeys); err != nil {
			return nil, wrapValidation(err)
		}
	}
	m.fireOnFetch(blk)
	return blk, nil
}

// Insert stores a freshly-created block. resolver is only consulted for
// mutable kinds, and only if a concurrent writer's version wins the
// Paxos round; a nil resolver aborts any such conflict with
// blockerr.Conflict rather than silently discarding either side.
func (m *Model) Insert(ctx context.Context, blk block.Block, resolver consensus.ConflictResolver) (block.Block, error) {
	if err := blk.Validate(true); err != nil {
		return nil, wrapValidation(err)
	}
	backend := m.backendForKind(blk.Kind())
	committed, err := backend.Store(ctx, blk, orAbstain(resolver))
	if err != nil {
		return nil, err
	}
	m.fireOnStore(committed)
	return committed, nil
}

// Update writes a new version of an existing mutable block. Immutable
// kinds have no update path; calling
// Update on one is a programmer error, reported rather than silently
// redirected to Insert.
func (m *Model) Update(ctx context.Context, blk block.Block, resolver consensus.ConflictResolver) (block.Block, error) {
	if isImmutableKind(blk.Kind()) {
		return nil, fmt.Errorf("model: %s blocks are immutable, use Insert", blk.Kind())
	}
	if err := blk.Validate(true); err != nil {
		return nil, wrapValidation(err)
	}
	committed, err := m.mutable.Store(ctx, blk, orAbstain(resolver))
	if err != nil {
		return nil, err
	}
	m.fireOnStore(committed)
	return committed, nil
}

// Remove deletes the block at addr, authorized by sig.
func (m *Model) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	backend := m.backendForAddr(addr)
	if err := backend.Remove(ctx, addr, sig); err != nil {
		return err
	}
	m.fireOnRemove(addr)
	return nil
}

// OnStore registers h to run after every successful Insert/Update. With
// an Async journal stacked, h runs when the write is journaled; the
// journal's later replay against the backends does not run it.
func (m *Model) OnStore(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStore = append(m.onStore, h)
}

// OnFetch registers h to run after every successful Fetch.
func (m *Model) OnFetch(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFetch = append(m.onFetch, h)
}

// OnRemove registers h to run after every successful Remove.
func (m *Model) OnRemove(h RemoveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, h)
}

func (m *Model) fireOnStore(blk block.Block) {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.onStore...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(blk)
	}
}

func (m *Model) fireOnFetch(blk block.Block) {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.onFetch...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(blk)
	}
}

func (m *Model) fireOnRemove(addr address.Address) {
	m.mu.Lock()
	hooks := append([]RemoveHook(nil), m.onRemove...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(addr)
	}
}

// abstainResolver aborts every conflict with blockerr.Conflict: the
// default when a caller doesn't supply one.
type abstainResolver struct{}

func (abstainResolver) Resolve(proposed, current block.Block) (block.Block, bool) {
	return nil, false
}

func orAbstain(r consensus.ConflictResolver) consensus.ConflictResolver {
	if r == nil {
		return abstainResolver{}
	}
	return r
}

// Close tears down this Model's owned resources. If opts.ResignOnShutdown
// is set, any stacked Async journal is flushed synchronously first so no
// locally-acknowledged-but-unreplicated write is left for a restart to
// replay.
func (m *Model) Close(ctx context.Context) error {
	if m.opts.ResignOnShutdown {
		if m.asyncImm != nil {
			m.asyncImm.Flush(ctx)
		}
		if m.asyncMut != nil {
			m.asyncMut.Flush(ctx)
		}
	}
	if m.ownDock {
		return m.dock.Close()
	}
	return nil
}
