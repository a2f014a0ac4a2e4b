// Licensed under the MIT License. See LICENSE file in the project root for details.

package tests

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kianostad/hlstore"
	core "github.com/kianostad/hlstore/internal/core"

	. "github.com/smartystreets/goconvey/convey"
)

func blobStore(t *testing.T, pageBits uint, memPages, mutPages int) *hlstore.Store {
	t.Helper()
	cfg := hlstore.DefaultConfig("")
	cfg.Dir = ""
	cfg.Device = hlstore.NewMemoryDevice(512, -1)
	cfg.CheckpointDir = t.TempDir()
	cfg.IndexBuckets = 512
	cfg.PageBits = pageBits
	cfg.MemoryPages = memPages
	cfg.MutablePages = mutPages
	store, err := hlstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Dispose)
	return store
}

func adderStore(t *testing.T) *hlstore.Store {
	t.Helper()
	cfg := hlstore.DefaultConfig("")
	cfg.Dir = ""
	cfg.Device = hlstore.NewMemoryDevice(512, -1)
	cfg.CheckpointDir = t.TempDir()
	cfg.IndexBuckets = 256
	cfg.PageBits = 14
	cfg.MemoryPages = 8
	cfg.MutablePages = 4
	cfg.Functions = hlstore.AdderFunctions{}
	store, err := hlstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Dispose)
	return store
}

// readResolved reads a key, draining the pending path when the record
// lives on storage.
func readResolved(s *hlstore.Session, key string, serial uint64) ([]byte, hlstore.Status) {
	val, st := s.Read([]byte(key), nil, serial)
	if st != hlstore.Pending {
		return val, st
	}
	for _, op := range s.CompletePending(true) {
		if string(op.Key) == key {
			return op.Output, op.Status
		}
	}
	return nil, hlstore.Error
}

func TestInsertThenRead(t *testing.T) {
	Convey("Given a fresh store with one session", t, func() {
		store := blobStore(t, 16, 8, 4)
		s := store.StartSession()
		defer s.Stop()

		Convey("When a key is upserted and read back", func() {
			st := s.Upsert([]byte("k7"), []byte("42"), 1)
			So(st, ShouldEqual, hlstore.OK)

			val, rst := readResolved(s, "k7", 2)
			So(rst, ShouldEqual, hlstore.OK)
			So(string(val), ShouldEqual, "42")
		})
	})
}

func TestRMWCreatesThenReads(t *testing.T) {
	Convey("Given a counter store", t, func() {
		store := adderStore(t)
		s := store.StartSession()
		defer s.Stop()

		Convey("When RMW hits an absent key", func() {
			st := s.RMW([]byte("k9"), core.EncodeCounter(5), 1)

			Convey("Then the first update reports the creation", func() {
				So(st, ShouldEqual, hlstore.NotFound)
			})

			Convey("And the created value is readable", func() {
				val, rst := readResolved(s, "k9", 2)
				So(rst, ShouldEqual, hlstore.OK)
				So(core.DecodeCounter(val), ShouldEqual, 5)
			})
		})
	})
}

func TestDiskDemotedRead(t *testing.T) {
	Convey("Given a store with a log too small to keep everything in memory", t, func() {
		store := blobStore(t, 12, 4, 1)
		s := store.StartSession()
		defer s.Stop()

		s.Upsert([]byte("k1"), []byte("1"), 1)

		serial := uint64(1)
		filler := make([]byte, 512)
		for store.LogHeadAddress() <= store.LogBeginAddress()+64 {
			serial++
			s.Upsert([]byte(fmt.Sprintf("fill-%06d", serial)), filler, serial)
		}

		Convey("When the demoted key is read", func() {
			serial++
			val, st := s.Read([]byte("k1"), nil, serial)

			Convey("Then the read goes pending and resolves through CompletePending", func() {
				if st == hlstore.OK {
					// Allowed fast path: still memory resident.
					So(string(val), ShouldEqual, "1")
					return
				}
				So(st, ShouldEqual, hlstore.Pending)
				found := false
				for _, op := range s.CompletePending(true) {
					if string(op.Key) == "k1" {
						found = true
						So(op.Status, ShouldEqual, hlstore.OK)
						So(string(op.Output), ShouldEqual, "1")
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestTwoWriterRaceLinearizes(t *testing.T) {
	Convey("Given two sessions racing on one key", t, func() {
		store := blobStore(t, 16, 8, 4)

		var wg sync.WaitGroup
		for _, v := range []string{"100", "2000"} {
			wg.Add(1)
			go func(v string) {
				defer wg.Done()
				s := store.StartSession()
				defer s.Stop()
				for i := 0; i < 300; i++ {
					s.Upsert([]byte("k3"), []byte(v), uint64(i+1))
				}
				s.CompletePending(true)
			}(v)
		}
		wg.Wait()

		Convey("Then the final value is one of the written values", func() {
			s := store.StartSession()
			defer s.Stop()
			val, st := readResolved(s, "k3", 1)
			So(st, ShouldEqual, hlstore.OK)
			So(string(val), ShouldBeIn, "100", "2000")
		})
	})
}

func TestCheckpointRecoverPrefix(t *testing.T) {
	Convey("Given a store that checkpoints and crashes", t, func() {
		dev := hlstore.NewMemoryDevice(512, -1)
		ckptDir := t.TempDir()
		build := func() *hlstore.Store {
			cfg := hlstore.DefaultConfig("")
			cfg.Dir = ""
			cfg.Device = dev
			cfg.CheckpointDir = ckptDir
			cfg.IndexBuckets = 256
			cfg.PageBits = 14
			cfg.MemoryPages = 8
			cfg.MutablePages = 4
			store, err := hlstore.Open(cfg)
			So(err, ShouldBeNil)
			return store
		}

		store := build()
		s := store.StartSession()
		guid := s.ID()
		s.Upsert([]byte("k1"), []byte("v1"), 1)
		s.Upsert([]byte("k2"), []byte("v2"), 2)

		tok, err := store.TakeFullCheckpoint(s)
		So(err, ShouldBeNil)
		So(store.CompleteCheckpoint(s, true), ShouldBeNil)

		s.Upsert([]byte("k3"), []byte("v3"), 3)
		store.Dispose() // crash

		Convey("When a new instance recovers from the tokens", func() {
			store2 := build()
			defer store2.Dispose()
			So(store2.Recover(tok, tok), ShouldBeNil)

			s2, serial, err := store2.ContinueSession(guid)
			So(err, ShouldBeNil)
			defer s2.Stop()

			Convey("Then the session resumes at the captured serial", func() {
				So(serial, ShouldEqual, 2)
			})

			Convey("And exactly the checkpointed prefix is visible", func() {
				val, st := readResolved(s2, "k1", 10)
				So(st, ShouldEqual, hlstore.OK)
				So(string(val), ShouldEqual, "v1")

				val, st = readResolved(s2, "k2", 11)
				So(st, ShouldEqual, hlstore.OK)
				So(string(val), ShouldEqual, "v2")

				_, st = readResolved(s2, "k3", 12)
				So(st, ShouldEqual, hlstore.NotFound)
			})
		})
	})
}

func TestGrowUnderLoad(t *testing.T) {
	Convey("Given sessions hammering the store while the index doubles", t, func() {
		store := adderStore(t)
		before := store.IndexSize()

		const sessions = 8
		const opsPerSession = 2000

		var errCount sync.Map
		var wg sync.WaitGroup
		for w := 0; w < sessions; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				s := store.StartSession()
				defer s.Stop()
				one := core.EncodeCounter(1)
				for i := 0; i < opsPerSession; i++ {
					key := []byte(fmt.Sprintf("key-%04d", (w*31+i)%1000))
					var st hlstore.Status
					switch i % 3 {
					case 0:
						st = s.Upsert(key, one, uint64(i+1))
					case 1:
						_, st = s.Read(key, nil, uint64(i+1))
					default:
						st = s.RMW(key, one, uint64(i+1))
					}
					if st == hlstore.Pending {
						s.CompletePending(true)
					}
					if st == hlstore.Error {
						errCount.Store(w, i)
					}
				}
				s.CompletePending(true)
			}(w)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s := store.StartSession()
			defer s.Stop()
			store.GrowIndex(s)
		}()
		wg.Wait()

		Convey("Then the table doubled and no operation errored", func() {
			So(store.IndexSize(), ShouldEqual, before*2)
			n := 0
			errCount.Range(func(k, v any) bool { n++; return true })
			So(n, ShouldEqual, 0)
		})

		Convey("And all written keys stay readable", func() {
			s := store.StartSession()
			defer s.Stop()
			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("key-%04d", i)
				_, st := readResolved(s, key, uint64(i+1))
				So(st, ShouldNotEqual, hlstore.Error)
			}
		})
	})
}
