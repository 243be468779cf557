package passport

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// KeyCache is a bounded LRU from an address-sized key to a public key.
// peer.Authenticator uses it to remember passports it has already
// verified, keyed by a digest of the encoded passport, so the same
// passport is not re-verified on every handshake.
type KeyCache struct {
	cache *lru.Cache[address.Address, *cryptoutil.PublicKey]
}

// NewKeyCache builds a KeyCache holding up to size resolved keys.
func NewKeyCache(size int) (*KeyCache, error) {
	c, err := lru.New[address.Address, *cryptoutil.PublicKey](size)
	if err != nil {
		return nil, err
	}
	return &KeyCache{cache: c}, nil
}

// Get returns the cached public key for addr, if present.
func (k *KeyCache) Get(addr address.Address) (*cryptoutil.PublicKey, bool) {
	return k.cache.Get(addr)
}

// Put records the resolution of addr to pub.
func (k *KeyCache) Put(addr address.Address, pub *cryptoutil.PublicKey) {
	k.cache.Add(addr, pub)
}

// Remove evicts a cached resolution.
func (k *KeyCache) Remove(addr address.Address) {
	k.cache.Remove(addr)
}

// Len reports how many resolutions are currently cached.
func (k *KeyCache) Len() int { return k.cache.Len() }
