package overlay

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// LoadEndpointFile parses a peer endpoint file: one
// "host:port" line per peer, blank lines and "#" comments ignored. Each
// line is round-tripped through a multiaddr so a malformed endpoint is
// rejected here rather than at the first failed dial; the returned
// PeerRef keeps the original "host:port" string, since that's the dial
// string peer.Dock and Stonehenge's cyclic lookup expect.
func LoadEndpointFile(path string) ([]PeerRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("overlay: open endpoint file: %w", err)
	}
	defer f.Close()

	var refs []PeerRef
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := endpointMultiaddr(line); err != nil {
			return nil, fmt.Errorf("overlay: invalid endpoint %q: %w", line, err)
		}
		refs = append(refs, PeerRef{ID: line, Address: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("overlay: scan endpoint file: %w", err)
	}
	return refs, nil
}

// endpointMultiaddr validates a "host:port" dial string by building the
// equivalent /ip4|ip6|dns4/tcp multiaddr for it.
func endpointMultiaddr(hostport string) (ma.Multiaddr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	proto := "dns4"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", proto, host, port))
}
