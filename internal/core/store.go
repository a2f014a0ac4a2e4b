// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the operation engine of the hybrid log store:
// the session protocol, the READ/UPSERT/RMW state machines with their
// pending-I/O continuations, the CPR checkpoint coordinator and recovery.
//
// An operation enters with a session's execution context, consults the
// hash index, resolves a logical address and dispatches on the hybrid log
// region holding it: mutate in place in the mutable region, append a new
// record otherwise, or park on an asynchronous disk read for the cold
// region. The global {phase, version} word dictates extra latching and
// version checks so that a checkpoint captures a consistent prefix of
// every session without stopping traffic.
//
// # Key Features
//
//   - Latch-free hot paths; bucket latches only around version transitions
//   - Pending-operation continuation for disk-resident records
//   - Concurrent Prefix Recovery checkpoints (fold-over and snapshot)
//   - Online index doubling and truncation sweeps
//
// # Thread Safety
//
// A Store is safe for any number of concurrent sessions; a Session must be
// driven by one goroutine at a time.
package core

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/io/device"
	"github.com/kianostad/hlstore/internal/monitoring/metrics"
	"github.com/kianostad/hlstore/internal/storage/hlog"
	"github.com/kianostad/hlstore/internal/storage/index"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// Store is the hybrid log key-value store engine.
type Store struct {
	cfg     Config
	epochs  *epoch.Manager
	state   *epoch.SystemState
	idx     *index.Index
	log     *hlog.Log
	dev     device.Device
	ownsDev bool
	fns     Functions
	metrics *metrics.Metrics

	sessions *xsync.MapOf[string, *Session]

	// continueTokens maps recovered session guids to the serial number
	// their prefix was recovered through.
	continueTokens *xsync.MapOf[string, uint64]

	ckpt *checkpointState

	disposed atomic.Bool
}

// Open creates a store from cfg.
func Open(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dev := cfg.Device
	ownsDev := false
	if dev == nil {
		fd, err := device.NewFileDevice(cfg.logDir(), device.FileDeviceOptions{
			SegmentSize: cfg.SegmentSize,
		})
		if err != nil {
			return nil, err
		}
		dev = fd
		ownsDev = true
	}
	epochs := epoch.NewManager()
	idx, err := index.New(cfg.IndexBuckets)
	if err != nil {
		return nil, err
	}
	log, err := hlog.New(hlog.Options{
		PageBits:       cfg.PageBits,
		MemoryPages:    cfg.MemoryPages,
		MutablePages:   cfg.MutablePages,
		Device:         dev,
		Epochs:         epochs,
		ReadCacheBytes: cfg.ReadCacheBytes,
	})
	if err != nil {
		if ownsDev {
			dev.Close()
		}
		return nil, err
	}
	m := metrics.New()
	st := &Store{
		cfg:            cfg,
		epochs:         epochs,
		state:          epoch.NewSystemState(1),
		idx:            idx,
		log:            log,
		dev:            dev,
		ownsDev:        ownsDev,
		fns:            cfg.Functions,
		metrics:        m,
		sessions:       xsync.NewMapOf[string, *Session](),
		continueTokens: xsync.NewMapOf[string, uint64](),
		ckpt:           &checkpointState{markedSet: make(map[string]struct{})},
	}
	m.SetGauge("hlstore_tail_address", func() float64 { return float64(log.TailAddress()) })
	m.SetGauge("hlstore_read_only_address", func() float64 { return float64(log.ReadOnlyAddress()) })
	m.SetGauge("hlstore_head_address", func() float64 { return float64(log.HeadAddress()) })
	m.SetGauge("hlstore_begin_address", func() float64 { return float64(log.BeginAddress()) })
	m.SetGauge("hlstore_index_buckets", func() float64 { return float64(idx.Size()) })
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.checkpointDir(), 0o755); err != nil {
			log.Close()
			if ownsDev {
				dev.Close()
			}
			return nil, fmt.Errorf("core: checkpoint dir: %w", err)
		}
	}
	return st, nil
}

// StartSession begins a fresh session with a new guid.
func (st *Store) StartSession() *Session {
	return st.newSession(uuid.NewString(), 0)
}

// ContinueSession resumes a recovered session, returning the serial number
// of the last operation captured in the recovered prefix. The caller must
// re-issue everything after it.
func (st *Store) ContinueSession(guid string) (*Session, uint64, error) {
	serial, ok := st.continueTokens.Load(guid)
	if !ok {
		return nil, 0, fmt.Errorf("core: no recovered state for session %s", guid)
	}
	s := st.newSession(guid, serial)
	return s, serial, nil
}

func (st *Store) newSession(guid string, serial uint64) *Session {
	s := &Session{
		store:       st,
		guid:        guid,
		epochID:     st.epochs.Acquire(),
		version:     st.state.Load().Version(),
		phase:       epoch.PhaseRest,
		serialNum:   serial,
		pendingIO:   xsync.NewMapOf[uint64, *pendingContext](),
		ioResponses: make(chan *pendingContext, ioResponseQueueSize),
	}
	st.sessions.Store(guid, s)
	s.Refresh()
	return s
}

// Metrics returns the store's metric registry.
func (st *Store) Metrics() *metrics.Metrics { return st.metrics }

// EntryCount counts live index entries.
func (st *Store) EntryCount() int64 { return st.idx.EntryCount() }

// IndexSize returns the active hash table bucket count.
func (st *Store) IndexSize() uint64 { return st.idx.Size() }

// LogTailAddress returns the next address to be allocated.
func (st *Store) LogTailAddress() record.Address { return st.log.TailAddress() }

// LogReadOnlyAddress returns the read-only watermark.
func (st *Store) LogReadOnlyAddress() record.Address { return st.log.ReadOnlyAddress() }

// LogBeginAddress returns the begin watermark.
func (st *Store) LogBeginAddress() record.Address { return st.log.BeginAddress() }

// LogHeadAddress returns the lowest memory-resident address.
func (st *Store) LogHeadAddress() record.Address { return st.log.HeadAddress() }

// LogSafeReadOnlyAddress returns the safe-read-only watermark.
func (st *Store) LogSafeReadOnlyAddress() record.Address { return st.log.SafeReadOnlyAddress() }

// Dispose shuts the store down. Callers must stop sessions (draining
// their pending operations) first.
func (st *Store) Dispose() {
	if !st.disposed.CompareAndSwap(false, true) {
		return
	}
	st.log.Close()
	if st.ownsDev {
		st.dev.Close()
	}
}

// hashKey computes the 64-bit key hash; the index derives the bucket from
// its low bits and the 14-bit tag from its top bits.
func (st *Store) hashKey(key []byte) uint64 { return xxhash.Sum64(key) }

// heavyEnter performs the out-of-band work an operation owes the system
// when the store is not at rest: spin-waiting out the grow barrier, then
// helping the split, or helping a truncation sweep. After it returns, the
// chunk serving hash is guaranteed split, so the index routes the
// operation to the right generation.
func (st *Store) heavyEnter(s *Session, hash uint64) {
	for s.phase == epoch.PhasePrepareGrow {
		s.Refresh()
		runtime.Gosched()
	}
	switch s.phase {
	case epoch.PhaseInProgressGrow:
		st.metrics.GrowSweeps.Inc()
		st.idx.SplitBuckets(hash)
	case epoch.PhaseGC:
		st.metrics.GCSweeps.Inc()
		st.idx.CleanBuckets()
	}
}

// traceBackForKeyMatch follows the version chain from fromAddr while it
// stays at or above minAddr, returning the address of the first record
// whose key matches (or the first address below minAddr, which may be on
// disk or invalid).
func (st *Store) traceBackForKeyMatch(key []byte, fromAddr, minAddr record.Address) record.Address {
	addr := fromAddr
	for addr >= minAddr {
		buf := st.log.GetPhysical(addr)
		info := record.LoadInfo(buf)
		if !info.Invalid() && bytes.Equal(record.Key(buf), key) {
			return addr
		}
		addr = info.PreviousAddress()
	}
	return addr
}

// ShiftBeginAddress truncates the log below addr and arms the index sweep
// that clears truncated entries. The sweep completes cooperatively as
// sessions refresh; the calling session helps until done.
func (st *Store) ShiftBeginAddress(s *Session, addr record.Address) {
	st.log.ShiftBeginAddress(addr)
	cur := st.state.Load()
	if cur.Phase() != epoch.PhaseRest {
		return // an orthogonal activity is running; GC can be retried later
	}
	if !st.state.GlobalMoveToNextState(cur, epoch.MakeState(epoch.PhaseGC, cur.Version())) {
		return
	}
	ver := cur.Version()
	st.idx.StartGC(addr, func() {
		st.state.GlobalMoveToNextState(
			epoch.MakeState(epoch.PhaseGC, ver),
			epoch.MakeState(epoch.PhaseRest, ver))
	})
	for st.state.Load().Phase() == epoch.PhaseGC {
		s.Refresh()
		st.idx.CleanBuckets()
	}
	s.Refresh()
}

// GrowIndex doubles the hash table online. The calling session drives the
// split to completion together with any concurrent operations.
func (st *Store) GrowIndex(s *Session) bool {
	cur := st.state.Load()
	if cur.Phase() != epoch.PhaseRest {
		return false
	}
	ver := cur.Version()
	prepare := epoch.MakeState(epoch.PhasePrepareGrow, ver)
	if !st.state.GlobalMoveToNextState(cur, prepare) {
		return false
	}
	// Sessions observing PREPARE_GROW mark it; the last mark arms the
	// split and flips to IN_PROGRESS_GROW (see performTransition).
	for st.state.Load().Phase() != epoch.PhaseRest {
		s.Refresh()
		if st.state.Load().Phase() == epoch.PhaseInProgressGrow {
			st.idx.CompleteGrowMainLoop()
		}
	}
	s.Refresh()
	return true
}

// resolver adapts the store for the index split.
type resolver struct{ st *Store }

func (r resolver) HeadAddress() int64  { return r.st.log.HeadAddress() }
func (r resolver) BeginAddress() int64 { return r.st.log.BeginAddress() }

func (r resolver) KeyHash(addr int64) uint64 {
	return r.st.hashKey(record.Key(r.st.log.GetPhysical(addr)))
}

func (r resolver) PreviousAddress(addr int64) int64 {
	return record.LoadInfo(r.st.log.GetPhysical(addr)).PreviousAddress()
}
