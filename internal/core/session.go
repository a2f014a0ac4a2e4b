// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"runtime"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
)

// ioResponseQueueSize bounds the per-session channel between device
// callbacks and the session draining them.
const ioResponseQueueSize = 256

// refreshInterval is how many operations a session runs between automatic
// epoch refreshes.
const refreshInterval = 64

// Session is one client's execution context. A session is owned by one
// goroutine at a time; it can migrate between goroutines but must never be
// used from two concurrently. All store operations go through a session.
type Session struct {
	store *Store
	guid  string

	epochID int
	version uint32
	phase   epoch.Phase

	serialNum uint64
	opCount   uint64

	totalPending uint64
	pendingIO    *xsync.MapOf[uint64, *pendingContext]
	ioResponses  chan *pendingContext
	retry        []*pendingContext

	completed []CompletedOp

	// marker dedupes per-phase checkpoint entry actions.
	marked epoch.State

	stopped bool
}

// ID returns the session guid.
func (s *Session) ID() string { return s.guid }

// SerialNum returns the serial number of the last issued operation.
func (s *Session) SerialNum() uint64 { return s.serialNum }

// Refresh publishes the session's epoch and reacts to any global phase
// change (checkpoint, grow, garbage collection).
func (s *Session) Refresh() {
	s.store.epochs.Refresh(s.epochID)
	s.store.handlePhases(s)
}

// Stop ends the session. Pending operations are drained first so no disk
// callback outlives its session.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.CompletePending(true)
	s.stopped = true
	s.store.sessions.Delete(s.guid)
	s.store.epochs.Release(s.epochID)
}

// maybeRefresh runs the periodic epoch refresh on the operation path.
func (s *Session) maybeRefresh() {
	s.opCount++
	if s.opCount%refreshInterval == 0 || s.store.state.Load().Phase() != epoch.PhaseRest {
		s.Refresh()
	}
}

// Read looks up key and returns the output produced by the reader
// callback. serial is the session-monotonic operation number.
func (s *Session) Read(key, input []byte, serial uint64) ([]byte, Status) {
	s.maybeRefresh()
	s.store.metrics.Reads.Inc()
	start := time.Now()
	ctx := &pendingContext{kind: opRead, key: key, input: input, serial: serial, version: s.version}
	st := s.store.internalRead(s, ctx)
	s.serialNum = serial
	status := s.store.handleOperationStatus(s, ctx, st)
	s.store.metrics.ObserveReadSeconds(time.Since(start).Seconds())
	if status == OK {
		return ctx.output, OK
	}
	return nil, status
}

// Upsert blindly writes value for key.
func (s *Session) Upsert(key, value []byte, serial uint64) Status {
	s.maybeRefresh()
	s.store.metrics.Upserts.Inc()
	ctx := &pendingContext{kind: opUpsert, key: key, value: value, serial: serial, version: s.version}
	st := s.store.internalUpsertWithRetries(s, ctx)
	s.serialNum = serial
	return s.store.handleOperationStatus(s, ctx, st)
}

// RMW applies the updater callbacks to key with input. The first creation
// of a key reports NotFound, distinguishing create from modify.
func (s *Session) RMW(key, input []byte, serial uint64) Status {
	s.maybeRefresh()
	s.store.metrics.RMWs.Inc()
	start := time.Now()
	ctx := &pendingContext{kind: opRMW, key: key, input: input, serial: serial, version: s.version}
	st := s.store.internalRMWWithRetries(s, ctx, false)
	s.serialNum = serial
	status := s.store.handleOperationStatus(s, ctx, st)
	s.store.metrics.ObserveRMWSeconds(time.Since(start).Seconds())
	return status
}

// Delete writes a tombstone for key.
func (s *Session) Delete(key []byte, serial uint64) Status {
	s.maybeRefresh()
	s.store.metrics.Deletes.Inc()
	ctx := &pendingContext{kind: opDelete, key: key, serial: serial, version: s.version}
	st := s.store.internalUpsertWithRetries(s, ctx)
	s.serialNum = serial
	return s.store.handleOperationStatus(s, ctx, st)
}

// outstanding counts parked operations: in-flight disk reads plus queued
// retries.
func (s *Session) outstanding() int {
	return s.pendingIO.Size() + len(s.retry) + len(s.ioResponses)
}

// CompletePending drains disk-read continuations and the retry queue.
// With wait set it refreshes and spins until nothing is outstanding.
// It returns every operation resolved since the last call, including any
// that resolved while a checkpoint was being driven.
func (s *Session) CompletePending(wait bool) []CompletedOp {
	for {
		s.drainResponses()
		s.drainRetries()
		s.Refresh()
		if !wait || s.outstanding() == 0 {
			break
		}
		runtime.Gosched()
	}
	out := s.completed
	s.completed = nil
	return out
}

func (s *Session) drainResponses() {
	for {
		select {
		case ctx := <-s.ioResponses:
			s.pendingIO.Delete(ctx.id)
			s.store.continuePending(s, ctx)
		default:
			return
		}
	}
}

func (s *Session) drainRetries() {
	pending := s.retry
	s.retry = nil
	for _, ctx := range pending {
		s.store.retryPending(s, ctx)
	}
}

// complete records a terminal resolution of a parked operation.
func (s *Session) complete(ctx *pendingContext, status Status) {
	ctx.releaseLatch()
	s.completed = append(s.completed, CompletedOp{
		Kind:   ctx.kind.String(),
		Key:    ctx.key,
		Serial: ctx.serial,
		Status: status,
		Output: ctx.output,
	})
}
