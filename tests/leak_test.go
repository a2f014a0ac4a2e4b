// Licensed under the MIT License. See LICENSE file in the project root for details.

package tests

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/kianostad/hlstore"
)

// TestNoGoroutineLeaks opens a store, runs traffic including pending disk
// reads and a checkpoint, and verifies that disposal tears every
// background goroutine down.
func TestNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := hlstore.NewMemoryDevice(512, -1)
	cfg := hlstore.DefaultConfig("")
	cfg.Dir = ""
	cfg.Device = dev
	cfg.CheckpointDir = t.TempDir()
	cfg.IndexBuckets = 256
	cfg.PageBits = 12
	cfg.MemoryPages = 4
	cfg.MutablePages = 1
	store, err := hlstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}

	s := store.StartSession()
	filler := make([]byte, 256)
	for i := 0; i < 200; i++ {
		s.Upsert([]byte{byte(i), byte(i >> 8)}, filler, uint64(i+1))
	}
	if _, st := s.Read([]byte{0, 0}, nil, 300); st == hlstore.Pending {
		s.CompletePending(true)
	}
	if _, err := store.TakeFullCheckpoint(s); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	store.Dispose()
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestFileBackedLeaks exercises the file device path end to end.
func TestFileBackedLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := hlstore.DefaultConfig(t.TempDir())
	cfg.IndexBuckets = 256
	cfg.PageBits = 14
	cfg.MemoryPages = 8
	cfg.MutablePages = 4
	cfg.SegmentSize = 1 << 20
	store, err := hlstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := store.StartSession()
	s.Upsert([]byte("durable"), []byte("bytes"), 1)
	if val, st := s.Read([]byte("durable"), nil, 2); st != hlstore.OK || string(val) != "bytes" {
		t.Fatalf("Read = %v %q", st, val)
	}
	s.Stop()
	store.Dispose()
}
