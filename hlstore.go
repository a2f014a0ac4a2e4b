// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hlstore provides a concurrent, latch-free, embedded key-value
// store built around a hybrid log: an append-only record log whose cold
// tail lives on durable storage and whose hot head is mutable in memory,
// indexed by a resizable hash table with tag-based bucket chains.
//
// This is the main public API. Clients interact through per-thread
// sessions that support reads, blind upserts, read-modify-write updates
// and deletes, with asynchronous completion for disk-resident records, and
// through store-level operations for checkpointing, recovery, index
// growth and log truncation.
//
// # Quick Start
//
//	store, err := hlstore.Open(hlstore.DefaultConfig(dir))
//	if err != nil { ... }
//	defer store.Dispose()
//
//	s := store.StartSession()
//	defer s.Stop()
//
//	s.Upsert([]byte("key"), []byte("value"), 1)
//	val, status := s.Read([]byte("key"), nil, 2)
//	if status == hlstore.Pending {
//	    for _, op := range s.CompletePending(true) {
//	        // op.Output holds the value once the disk read resolves
//	    }
//	}
//
// # Key Features
//
//   - Latch-free concurrent reads, upserts and read-modify-write updates
//   - Hybrid log with in-place updates in the mutable region
//   - Epoch-protected reclamation of memory and storage
//   - Concurrent Prefix Recovery (CPR) checkpoints without stopping
//     operations, in fold-over and snapshot flavors
//   - Online hash index doubling under load
//
// # Sessions
//
// Every operation runs under a session. A session is owned by one
// goroutine at a time and carries a monotone per-session serial number
// used by recovery: after Recover, ContinueSession reports the serial up
// to which a session's operations survived, and the client re-issues the
// rest.
//
// # Dangers and Warnings
//
//   - **Pending operations**: operations against disk-resident records
//     return Pending; the caller must drain them with CompletePending.
//   - **Session affinity**: a Session must never be used from two
//     goroutines concurrently; hand it over with a happens-before edge.
//   - **Shutdown**: stop sessions (draining pending work) before Dispose.
//
// # See Also
//
// See the internal/core package for the operation engine and the cmd/
// directory for the repl and bench tools.
package hlstore

import (
	"github.com/kianostad/hlstore/internal/core"
	"github.com/kianostad/hlstore/internal/io/device"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// Status is the public outcome of an operation.
type Status = core.Status

// Operation statuses.
const (
	OK       = core.OK
	NotFound = core.NotFound
	Pending  = core.Pending
	Error    = core.Error
)

// Config configures a store; see DefaultConfig for a working baseline.
type Config = core.Config

// Functions is the user callback capability interpreting record values.
type Functions = core.Functions

// BlobFunctions is a Functions capability for opaque byte-string values.
type BlobFunctions = core.BlobFunctions

// AdderFunctions is a Functions capability for little-endian uint64
// counter values with commutative RMW addition.
type AdderFunctions = core.AdderFunctions

// Session is a client execution context; see Store.StartSession.
type Session = core.Session

// CompletedOp is a resolved pending operation returned by
// Session.CompletePending.
type CompletedOp = core.CompletedOp

// Address is a logical hybrid log address.
type Address = record.Address

// Device is the storage backend capability.
type Device = device.Device

// NewFileDevice creates a file-backed device rooted at dir.
func NewFileDevice(dir string, opts device.FileDeviceOptions) (*device.FileDevice, error) {
	return device.NewFileDevice(dir, opts)
}

// NewMemoryDevice creates an in-memory device, useful for tests and
// ephemeral stores.
func NewMemoryDevice(sectorSize int, segmentSize int64) *device.MemoryDevice {
	return device.NewMemoryDevice(sectorSize, segmentSize)
}

// DefaultConfig returns a working configuration rooted at dir.
func DefaultConfig(dir string) Config { return core.DefaultConfig(dir) }

// Store is the hybrid log key-value store.
type Store struct {
	inner *core.Store
}

// Open creates a store from cfg.
func Open(cfg Config) (*Store, error) {
	inner, err := core.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{inner: inner}, nil
}

// StartSession begins a fresh session.
func (s *Store) StartSession() *Session { return s.inner.StartSession() }

// ContinueSession resumes a recovered session by guid, returning the
// serial number its recovered prefix extends through.
func (s *Store) ContinueSession(guid string) (*Session, uint64, error) {
	return s.inner.ContinueSession(guid)
}

// TakeFullCheckpoint starts an index plus hybrid-log checkpoint.
func (s *Store) TakeFullCheckpoint(sess *Session) (string, error) {
	return s.inner.TakeFullCheckpoint(sess)
}

// TakeIndexCheckpoint starts an index-only checkpoint.
func (s *Store) TakeIndexCheckpoint(sess *Session) (string, error) {
	return s.inner.TakeIndexCheckpoint(sess)
}

// TakeHybridLogCheckpoint starts a hybrid-log-only checkpoint.
func (s *Store) TakeHybridLogCheckpoint(sess *Session) (string, error) {
	return s.inner.TakeHybridLogCheckpoint(sess)
}

// CompleteCheckpoint drives a started checkpoint; with wait set it blocks
// until the store returns to rest.
func (s *Store) CompleteCheckpoint(sess *Session, wait bool) error {
	return s.inner.CompleteCheckpoint(sess, wait)
}

// Recover rebuilds the store from the given checkpoint tokens. Must run
// before any session starts.
func (s *Store) Recover(indexToken, hlogToken string) error {
	return s.inner.Recover(indexToken, hlogToken)
}

// GrowIndex doubles the hash table online.
func (s *Store) GrowIndex(sess *Session) bool { return s.inner.GrowIndex(sess) }

// ShiftBeginAddress truncates the log below addr and sweeps stale index
// entries.
func (s *Store) ShiftBeginAddress(sess *Session, addr Address) {
	s.inner.ShiftBeginAddress(sess, addr)
}

// EntryCount counts live index entries.
func (s *Store) EntryCount() int64 { return s.inner.EntryCount() }

// IndexSize returns the hash table bucket count.
func (s *Store) IndexSize() uint64 { return s.inner.IndexSize() }

// LogTailAddress returns the next address to be allocated.
func (s *Store) LogTailAddress() Address { return s.inner.LogTailAddress() }

// LogReadOnlyAddress returns the read-only watermark.
func (s *Store) LogReadOnlyAddress() Address { return s.inner.LogReadOnlyAddress() }

// LogHeadAddress returns the lowest memory-resident address.
func (s *Store) LogHeadAddress() Address { return s.inner.LogHeadAddress() }

// LogSafeReadOnlyAddress returns the safe-read-only watermark.
func (s *Store) LogSafeReadOnlyAddress() Address { return s.inner.LogSafeReadOnlyAddress() }

// LogBeginAddress returns the begin watermark.
func (s *Store) LogBeginAddress() Address { return s.inner.LogBeginAddress() }

// Internal exposes the engine for the tools and tests that need metrics
// access.
func (s *Store) Internal() *core.Store { return s.inner }

// Dispose shuts the store down.
func (s *Store) Dispose() { s.inner.Dispose() }
