package store

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestHashStable(t *testing.T) {
	a := Hash([]byte("module.exports = 1"))
	b := Hash([]byte("module.exports = 1"))
	if a != b {
		t.Fatalf("hash not stable: %s != %s", a, b)
	}
	if a == Hash([]byte("module.exports = 2")) {
		t.Fatal("different content produced the same hash")
	}
	if err := Verify(a, []byte("module.exports = 1")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(a, []byte("tampered")); err == nil {
		t.Fatal("Verify accepted wrong content")
	}
}

func TestDirStoreWriteOnce(t *testing.T) {
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := Hash([]byte("payload"))
	if _, ok, err := d.Get(key); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := d.Put(key, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(key, []byte("other")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := d.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("entry was overwritten: %q", got)
	}
	if _, err := d.path("../escape"); err == nil {
		t.Fatal("path traversal key accepted")
	}
}

func TestDirStoreConcurrentWriters(t *testing.T) {
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("x"), 4096)
	key := Hash(data)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Put(key, data); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	got, ok, _ := d.Get(key)
	if !ok || !bytes.Equal(got, data) {
		t.Fatal("concurrent writers corrupted the entry")
	}
}

func TestDirStoreSweep(t *testing.T) {
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	oldKey, newKey := Hash([]byte("old")), Hash([]byte("new"))
	d.Put(oldKey, []byte("old"))
	d.Put(newKey, []byte("new"))
	p, _ := d.path(oldKey)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(p, past, past); err != nil {
		t.Fatal(err)
	}
	n, err := d.Sweep(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}
	_, oldOK, _ := d.Get(oldKey)
	_, newOK, _ := d.Get(newKey)
	if oldOK || !newOK {
		t.Fatal("sweep removed the wrong entries")
	}
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		t.Fatalf("shard dir removed: %v", err)
	}
}

func TestTieredReadThrough(t *testing.T) {
	d, _ := NewDirStore(t.TempDir())
	mem := NewMemory(8, 0)
	tiered := NewTiered(mem, d)
	key := Hash([]byte("v"))
	d.Put(key, []byte("v"))
	if mem.Len() != 0 {
		t.Fatal("memory tier should start empty")
	}
	got, ok, err := tiered.Get(key)
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q %v %v", got, ok, err)
	}
	if mem.Len() != 1 {
		t.Fatal("read-through did not fill memory tier")
	}
	mem.Remove(key)
	if _, ok, _ := tiered.Get(key); !ok {
		t.Fatal("evicting memory lost the durable entry")
	}
}

func TestDirStoreRePutSurvivesSweep(t *testing.T) {
	d, _ := NewDirStore(t.TempDir())
	key := Hash([]byte("bundle"))
	d.Put(key, []byte("bundle"))
	p, _ := d.path(key)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(p, past, past); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(key, []byte("bundle")); err != nil {
		t.Fatal(err)
	}
	if n, err := d.Sweep(time.Minute); err != nil || n != 0 {
		t.Fatalf("swept %d entries (%v), the second Put should have refreshed the entry", n, err)
	}
	if got, ok, _ := d.Get(key); !ok || string(got) != "bundle" {
		t.Fatalf("Get = %q %v", got, ok)
	}
}
