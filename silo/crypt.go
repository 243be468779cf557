package silo

import (
	"context"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// Crypt wraps an inner Silo, sealing every value with a single symmetric
// key before it reaches the backend and opening it again on Fetch. This
// is separate from ACB's per-block per-reader key wrapping (block/acb.go)
// — Crypt protects a whole local Silo (e.g. an untrusted disk), not a
// single block's ACL.
type Crypt struct {
	inner    Silo
	key      cryptoutil.SealKey
	password []byte // non-nil switches to per-block key derivation
}

// NewCrypt wraps inner so every value is sealed under key before storage.
func NewCrypt(inner Silo, key cryptoutil.SealKey) *Crypt {
	return &Crypt{inner: inner, key: key}
}

// NewCryptWithPassword derives the symmetric key from password and salt
// via argon2 (cryptoutil.DeriveKey) instead of taking a raw key directly.
func NewCryptWithPassword(inner Silo, password, salt []byte) *Crypt {
	return &Crypt{inner: inner, key: cryptoutil.DeriveKey(password, salt)}
}

// NewCryptSalted derives a distinct key per block from password‖addr
// instead of sealing the whole silo under one key, so two identical
// payloads at different addresses never share a ciphertext keystream.
func NewCryptSalted(inner Silo, password []byte) *Crypt {
	return &Crypt{inner: inner, password: append([]byte(nil), password...)}
}

func (c *Crypt) keyFor(addr address.Address) cryptoutil.SealKey {
	if c.password == nil {
		return c.key
	}
	return cryptoutil.DeriveKey(c.password, addr.Bytes())
}

func (c *Crypt) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	sealed, err := c.inner.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	return cryptoutil.Open(c.keyFor(addr), sealed)
}

func (c *Crypt) Insert(ctx context.Context, addr address.Address, data []byte) error {
	sealed, err := cryptoutil.Seal(c.keyFor(addr), data)
	if err != nil {
		return err
	}
	return c.inner.Insert(ctx, addr, sealed)
}

func (c *Crypt) Update(ctx context.Context, addr address.Address, data []byte) error {
	sealed, err := cryptoutil.Seal(c.keyFor(addr), data)
	if err != nil {
		return err
	}
	return c.inner.Update(ctx, addr, sealed)
}

// Set seals data under the configured key before delegating to the inner
// Silo's atomic upsert.
func (c *Crypt) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	sealed, err := cryptoutil.Seal(c.keyFor(addr), data)
	if err != nil {
		return 0, err
	}
	return c.inner.Set(ctx, addr, sealed, insert, update)
}

func (c *Crypt) Remove(ctx context.Context, addr address.Address) error {
	return c.inner.Remove(ctx, addr)
}

func (c *Crypt) List(ctx context.Context) ([]address.Address, error) {
	return c.inner.List(ctx)
}

// Status forwards to the inner Silo; sealing doesn't change whether addr
// is present.
func (c *Crypt) Status(ctx context.Context, addr address.Address) (Status, error) {
	return c.inner.Status(ctx, addr)
}

// RegisterNotifier forwards fn to the inner Silo; Crypt holds no capacity
// budget of its own.
func (c *Crypt) RegisterNotifier(fn Notifier) {
	c.inner.RegisterNotifier(fn)
}

func (c *Crypt) Stats(ctx context.Context) (Stats, error) {
	if s, ok := c.inner.(Statter); ok {
		return s.Stats(ctx)
	}
	return Stats{}, nil
}
