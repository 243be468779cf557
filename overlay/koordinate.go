package overlay

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	p2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/memofed/memo/address"
)

// Koordinate composes several Overlay backends so one process can serve
// multiple logical networks; it delegates every lookup to the first
// backend. It additionally wires LAN peer discovery over libp2p mDNS —
// discovered peers are fed into the first backend if it implements
// Seeder.
type Koordinate struct {
	backends []Overlay
	host     p2phost.Host
	logger   *logrus.Logger
}

// NewKoordinate composes backends (evaluated in order; backends[0] is
// authoritative) and starts an mDNS discovery service tagged
// discoveryTag on a freshly created libp2p host listening on listenAddr.
// An empty listenAddr disables the discovery host, leaving Koordinate a
// pure delegating composite.
func NewKoordinate(backends []Overlay, listenAddr, discoveryTag string, logger *logrus.Logger) (*Koordinate, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("overlay: Koordinate requires at least one backend")
	}
	if logger == nil {
		logger = logrus.New()
	}
	k := &Koordinate{backends: append([]Overlay(nil), backends...), logger: logger}
	if listenAddr == "" {
		return k, nil
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("overlay: create discovery host: %w", err)
	}
	k.host = h
	if err := mdns.NewMdnsService(h, discoveryTag, k).Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: start mdns: %w", err)
	}
	return k, nil
}

var _ mdns.Notifee = (*Koordinate)(nil)

// HandlePeerFound implements mdns.Notifee: newly-found LAN peers are
// seeded into the first backend as overlay PeerRefs.
func (k *Koordinate) HandlePeerFound(info p2ppeer.AddrInfo) {
	if k.host != nil && info.ID == k.host.ID() {
		return
	}
	seeder, ok := k.backends[0].(Seeder)
	if !ok {
		return
	}
	id := info.ID.String()
	for _, a := range info.Addrs {
		seeder.Seed(PeerRef{ID: id, Address: a.String()})
	}
	k.logger.Infof("overlay: discovered peer %s via mDNS", id)
}

// Close shuts down the discovery host, if one was started.
func (k *Koordinate) Close() error {
	if k.host == nil {
		return nil
	}
	return k.host.Close()
}

func (k *Koordinate) Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]PeerRef, error) {
	return k.backends[0].Lookup(ctx, addr, n, fast)
}

func (k *Koordinate) Allocate(ctx context.Context, addr address.Address, n int) ([]PeerRef, error) {
	return k.backends[0].Allocate(ctx, addr, n)
}

func (k *Koordinate) LookupNode(ctx context.Context, id string) (PeerRef, error) {
	return k.backends[0].LookupNode(ctx, id)
}

func (k *Koordinate) Discover(locations []string) error {
	return k.backends[0].Discover(locations)
}

func (k *Koordinate) Discovered(id string) bool {
	return k.backends[0].Discovered(id)
}
