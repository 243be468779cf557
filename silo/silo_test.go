package silo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	addr := address.New([]byte("a"))

	if _, err := m.Fetch(ctx, addr); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := m.Insert(ctx, addr, []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(ctx, addr, []byte("again")); err != ErrExists {
		t.Fatalf("got %v, want ErrExists", err)
	}
	got, err := m.Fetch(ctx, addr)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Fetch: %q, %v", got, err)
	}
	if err := m.Update(ctx, addr, []byte("updated")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.Remove(ctx, addr); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove(ctx, addr); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound on double remove", err)
	}
}

func TestFilesystemCRUDAndSharding(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	addr := address.New([]byte("fs-addr"))
	if err := fs.Insert(ctx, addr, []byte("payload")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	hex := addr.String()
	shard := dir + "/" + hex[:2] + "/" + hex[2:4]
	if _, err := os.Stat(shard); err != nil {
		t.Fatalf("expected shard directory %s to exist: %v", shard, err)
	}
	got, err := fs.Fetch(ctx, addr)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Fetch: %q, %v", got, err)
	}
	list, err := fs.List(ctx)
	if err != nil || len(list) != 1 || list[0] != addr {
		t.Fatalf("List: %v, %v", list, err)
	}
}

func TestCacheHitsAndEviction(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	reg := prometheus.NewRegistry()
	c, err := NewCache(inner, 1, 0, reg, "test")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	addr := address.New([]byte("x"))
	if err := c.Insert(ctx, addr, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got, err := c.Fetch(ctx, addr); err != nil || string(got) != "v1" {
		t.Fatalf("Fetch: %q, %v", got, err)
	}

	other := address.New([]byte("y"))
	if err := c.Insert(ctx, other, []byte("v2")); err != nil {
		t.Fatalf("Insert other: %v", err)
	}
	// addr should still be fetchable via the inner silo even if evicted
	// from the bounded LRU.
	if got, err := c.Fetch(ctx, addr); err != nil || string(got) != "v1" {
		t.Fatalf("Fetch after eviction: %q, %v", got, err)
	}
}

func TestCryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	key, _ := cryptoutil.NewRandomKey()
	c := NewCrypt(NewMemory(), key)
	addr := address.New([]byte("secret"))
	if err := c.Insert(ctx, addr, []byte("plaintext")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := c.Fetch(ctx, addr)
	if err != nil || string(got) != "plaintext" {
		t.Fatalf("Fetch: %q, %v", got, err)
	}
}

func TestCryptSaltedDerivesPerBlockKeys(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	c := NewCryptSalted(inner, []byte("hunter2"))

	a := address.New([]byte("first"))
	b := address.New([]byte("second"))
	if err := c.Insert(ctx, a, []byte("same payload")); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := c.Insert(ctx, b, []byte("same payload")); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	for _, addr := range []address.Address{a, b} {
		got, err := c.Fetch(ctx, addr)
		if err != nil || string(got) != "same payload" {
			t.Fatalf("Fetch %s: %q, %v", addr, got, err)
		}
	}

	// The wrong per-block key must not open another block's ciphertext.
	sealed, err := inner.Fetch(ctx, a)
	if err != nil {
		t.Fatalf("Fetch sealed: %v", err)
	}
	if _, err := cryptoutil.Open(cryptoutil.DeriveKey([]byte("hunter2"), b.Bytes()), sealed); err == nil {
		t.Fatalf("expected b's derived key to fail against a's ciphertext")
	}
}

func TestStripDeterministicRouting(t *testing.T) {
	ctx := context.Background()
	backends := []Silo{NewMemory(), NewMemory(), NewMemory()}
	s, err := NewStrip(backends)
	if err != nil {
		t.Fatalf("NewStrip: %v", err)
	}
	addr := address.New([]byte("route-me"))
	if err := s.Insert(ctx, addr, []byte("data")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	target := s.backendOf(addr)
	if _, err := target.Fetch(ctx, addr); err != nil {
		t.Fatalf("expected addr to land on its deterministic backend: %v", err)
	}
}

func TestMirrorReplicatesWrites(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory(), NewMemory()
	m, err := NewMirror([]Silo{a, b}, false, false)
	if err != nil {
		t.Fatalf("NewMirror: %v", err)
	}
	addr := address.New([]byte("mirrored"))
	if err := m.Insert(ctx, addr, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := a.Fetch(ctx, addr); err != nil {
		t.Fatalf("backend a missing write: %v", err)
	}
	if _, err := b.Fetch(ctx, addr); err != nil {
		t.Fatalf("backend b missing write: %v", err)
	}
}

func TestAsyncMergeInsertThenRemoveDropsOp(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	a, err := NewAsync(inner, t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close(ctx)

	addr := address.New([]byte("z"))
	if err := a.Insert(ctx, addr, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.Remove(ctx, addr); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := inner.Fetch(ctx, addr); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound: insert+remove should merge to nothing queued", err)
	}
}

func TestAsyncMergeUpdateThenRemove(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	if err := inner.Insert(ctx, address.New([]byte("w")), []byte("orig")); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	a, err := NewAsync(inner, t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close(ctx)

	addr := address.New([]byte("w"))
	if err := a.Update(ctx, addr, []byte("v2")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := a.Remove(ctx, addr); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := inner.Fetch(ctx, addr); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after update+remove merges to remove", err)
	}
}

func TestAsyncBoundedFlushesOnMaxBlocks(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	a, err := NewAsyncBounded(inner, t.TempDir(), time.Hour, 2, 0, nil)
	if err != nil {
		t.Fatalf("NewAsyncBounded: %v", err)
	}
	defer a.Close(ctx)

	for i, name := range []string{"b1", "b2", "b3"} {
		if err := a.Insert(ctx, address.New([]byte(name)), []byte{byte(i)}); err != nil {
			t.Fatalf("Insert %s: %v", name, err)
		}
	}
	// The third insert crossed maxBlocks=2 and flushed synchronously.
	if _, err := inner.Fetch(ctx, address.New([]byte("b1"))); err != nil {
		t.Fatalf("expected b1 flushed to the inner silo: %v", err)
	}
}

func TestAsyncJournalRecoversPendingOps(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	crashed, err := NewAsync(NewMemory(), dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	addr := address.New([]byte("survives"))
	if err := crashed.Insert(ctx, addr, []byte("journaled")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Stop the worker without Close: Close would flush, but a crash
	// leaves the op only in the journal directory.
	close(crashed.stop)
	<-crashed.done

	inner := NewMemory()
	recovered, err := NewAsync(inner, dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync over crashed journal: %v", err)
	}
	defer recovered.Close(ctx)

	if got, err := recovered.Fetch(ctx, addr); err != nil || string(got) != "journaled" {
		t.Fatalf("Fetch of recovered op: %q, %v", got, err)
	}
	if err := recovered.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got, err := inner.Fetch(ctx, addr); err != nil || string(got) != "journaled" {
		t.Fatalf("inner silo after flush: %q, %v", got, err)
	}

	// The drained op's journal file is gone; only the index marker stays.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != lastIndexMarker {
		t.Fatalf("journal dir not drained: %v", entries)
	}
}

func TestAsyncFetchSeesQueuedWrite(t *testing.T) {
	ctx := context.Background()
	a, err := NewAsync(NewMemory(), t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close(ctx)

	addr := address.New([]byte("queued"))
	if err := a.Insert(ctx, addr, []byte("pending")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := a.Fetch(ctx, addr)
	if err != nil || string(got) != "pending" {
		t.Fatalf("Fetch: %q, %v", got, err)
	}
}

func TestAsyncMergeUpsertThenRemoveDropsToRemove(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	a, err := NewAsync(inner, t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close(ctx)

	addr := address.New([]byte("up-then-gone"))
	if _, err := a.Set(ctx, addr, []byte("v1"), true, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := a.Remove(ctx, addr); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := inner.Fetch(ctx, addr); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after upsert+remove merges to remove", err)
	}
}

func TestMemorySetUpsertAndInvalid(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	addr := address.New([]byte("set-me"))

	if _, err := m.Set(ctx, addr, []byte("x"), false, false); err != ErrInvalidSet {
		t.Fatalf("got %v, want ErrInvalidSet", err)
	}
	if delta, err := m.Set(ctx, addr, []byte("hello"), true, true); err != nil || delta != 5 {
		t.Fatalf("Set insert via upsert: delta=%d, err=%v", delta, err)
	}
	if delta, err := m.Set(ctx, addr, []byte("hellothere"), true, true); err != nil || delta != 5 {
		t.Fatalf("Set update via upsert: delta=%d, err=%v", delta, err)
	}
	if _, err := m.Set(ctx, addr, []byte("y"), true, false); err != ErrExists {
		t.Fatalf("got %v, want ErrExists on strict insert of existing addr", err)
	}
	missing := address.New([]byte("not-there"))
	if _, err := m.Set(ctx, missing, []byte("y"), false, true); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound on strict update of missing addr", err)
	}
}

func TestMemoryStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	addr := address.New([]byte("status-me"))

	if st, err := m.Status(ctx, addr); err != nil || st != StatusMissing {
		t.Fatalf("Status before insert: %v, %v", st, err)
	}
	if err := m.Insert(ctx, addr, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if st, err := m.Status(ctx, addr); err != nil || st != StatusExists {
		t.Fatalf("Status after insert: %v, %v", st, err)
	}
}

func TestMemoryCapacityRefusesOverBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryWithCapacity(10)
	addr := address.New([]byte("big"))

	if err := m.Insert(ctx, addr, []byte("01234567890123456789")); err != ErrNoCapacity {
		t.Fatalf("got %v, want ErrNoCapacity", err)
	}
	if err := m.Insert(ctx, addr, []byte("12345")); err != nil {
		t.Fatalf("Insert within budget: %v", err)
	}
	if err := m.Update(ctx, addr, []byte("123456789012")); err != ErrNoCapacity {
		t.Fatalf("got %v, want ErrNoCapacity on over-budget update", err)
	}
}

func TestMemoryCapacityNotifierFiresOnThreshold(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryWithCapacity(100)
	var got []Stats
	m.RegisterNotifier(func(s Stats) { got = append(got, s) })

	addr := address.New([]byte("watched"))
	if err := m.Insert(ctx, addr, make([]byte, 20)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected notifier to fire once crossing 10%% of 100 bytes, got %d calls: %+v", len(got), got)
	}
	if got[0].UsageBytes != 20 {
		t.Fatalf("notifier snapshot UsageBytes = %d, want 20", got[0].UsageBytes)
	}
}

func TestFilesystemSetAndStatus(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	addr := address.New([]byte("fs-set"))

	if st, err := fs.Status(ctx, addr); err != nil || st != StatusMissing {
		t.Fatalf("Status before write: %v, %v", st, err)
	}
	if _, err := fs.Set(ctx, addr, []byte("v1"), true, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if st, err := fs.Status(ctx, addr); err != nil || st != StatusExists {
		t.Fatalf("Status after write: %v, %v", st, err)
	}
	if _, err := fs.Set(ctx, addr, []byte("v2"), true, false); err != ErrExists {
		t.Fatalf("got %v, want ErrExists on strict insert of existing addr", err)
	}
}

func TestFilesystemCapacityRefusesOverBudget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFilesystemWithCapacity(dir, 5)
	if err != nil {
		t.Fatalf("NewFilesystemWithCapacity: %v", err)
	}
	addr := address.New([]byte("fs-big"))
	if err := fs.Insert(ctx, addr, []byte("too-long-for-budget")); err != ErrNoCapacity {
		t.Fatalf("got %v, want ErrNoCapacity", err)
	}
}

func TestCacheStatusAnswersFromLRUWithoutInnerCall(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	reg := prometheus.NewRegistry()
	c, err := NewCache(inner, 4, 0, reg, "status-test")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	addr := address.New([]byte("cached"))
	if err := c.Insert(ctx, addr, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if st, err := c.Status(ctx, addr); err != nil || st != StatusExists {
		t.Fatalf("Status: %v, %v", st, err)
	}
	missing := address.New([]byte("not-cached"))
	if st, err := c.Status(ctx, missing); err != nil || st != StatusMissing {
		t.Fatalf("Status for uncached+unstored addr: %v, %v", st, err)
	}
}
