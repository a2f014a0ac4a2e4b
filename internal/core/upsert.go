// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"
	"time"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/storage/record"
)

type latchKind int

const (
	noLatch latchKind = iota
	sharedLatch
	exclusiveLatch
)

// internalUpsertWithRetries re-enters the upsert machine on lost publish
// races, demoting to the retry queue beyond the spin bound.
func (st *Store) internalUpsertWithRetries(s *Session, ctx *pendingContext) internalStatus {
	for spin := 0; ; spin++ {
		status := st.internalUpsert(s, ctx)
		if status != opRetryNow {
			return status
		}
		st.metrics.RetryNow.Inc()
		if spin >= maxRetryNowSpins {
			return opRetryLater
		}
	}
}

// internalUpsert is the UPSERT (and DELETE, via tombstone) state machine.
func (st *Store) internalUpsert(s *Session, ctx *pendingContext) internalStatus {
	h := st.hashKey(ctx.key)
	ctx.hash = h
	if s.phase != epoch.PhaseRest {
		st.heavyEnter(s, h)
	}
	slot, entry := st.idx.FindOrCreateTag(h)
	ctx.slot, ctx.entry = slot, entry

	head := st.log.HeadAddress()
	readOnly := st.log.ReadOnlyAddress()

	addr := entry.Address()
	var latestVersion uint32
	if addr >= head {
		buf := st.log.GetPhysical(addr)
		info := record.LoadInfo(buf)
		latestVersion = info.Version()
		if info.Invalid() || !bytes.Equal(record.Key(buf), ctx.key) {
			addr = st.traceBackForKeyMatch(ctx.key, info.PreviousAddress(), head)
		}
	}

	// Fast path: at rest with the record in the mutable region.
	if ctx.kind == opUpsert && s.phase == epoch.PhaseRest && addr >= readOnly {
		buf := st.log.GetPhysical(addr)
		if !record.LoadInfo(buf).Tombstone() &&
			st.fns.ConcurrentWriter(ctx.key, ctx.value, record.Value(buf)) {
			return opSuccess
		}
	}

	latched := noLatch
	createNew := false
	switch s.phase {
	case epoch.PhasePrepare:
		if !slot.First.TryAcquireSharedLatch() {
			st.metrics.LatchRetries.Inc()
			return opCPRShiftDetected
		}
		latched = sharedLatch
		if latestVersion > s.version {
			slot.First.ReleaseSharedLatch()
			return opCPRShiftDetected
		}
	case epoch.PhaseInProgress:
		if latestVersion < s.version {
			if !slot.First.TryAcquireExclusiveLatch() {
				st.metrics.LatchRetries.Inc()
				return opRetryLater
			}
			latched = exclusiveLatch
			createNew = true
		}
	case epoch.PhaseWaitPending:
		if latestVersion < s.version {
			if !slot.First.NoSharedLatches() {
				st.metrics.LatchRetries.Inc()
				return opRetryLater
			}
			createNew = true
		}
	case epoch.PhaseWaitFlush:
		if latestVersion < s.version {
			createNew = true
		}
	}

	var status internalStatus
	if !createNew && ctx.kind == opUpsert && addr >= readOnly {
		buf := st.log.GetPhysical(addr)
		if !record.LoadInfo(buf).Tombstone() &&
			st.fns.ConcurrentWriter(ctx.key, ctx.value, record.Value(buf)) {
			status = opSuccess
		} else {
			status = st.createRecordForUpsert(s, ctx)
		}
	} else {
		status = st.createRecordForUpsert(s, ctx)
	}

	switch latched {
	case sharedLatch:
		slot.First.ReleaseSharedLatch()
	case exclusiveLatch:
		slot.First.ReleaseExclusiveLatch()
	}
	return status
}

// createRecordForUpsert appends a new record (or tombstone) at the tail
// and publishes it as the chain head.
func (st *Store) createRecordForUpsert(s *Session, ctx *pendingContext) internalStatus {
	valueLen := len(ctx.value)
	tombstone := ctx.kind == opDelete
	if tombstone {
		valueLen = 0
	}
	size := record.PhysicalSize(len(ctx.key), valueLen)
	addr, err := st.blockAllocate(s, size)
	if err != nil {
		return opError
	}
	buf := st.log.GetPhysical(addr)
	info := record.NewInfo(ctx.version, ctx.entry.Address(), tombstone, false)
	record.Write(buf, info, ctx.key, valueLen)
	if !tombstone {
		st.fns.SingleWriter(ctx.key, ctx.value, record.Value(buf))
	}
	updated := ctx.entry.WithAddress(addr)
	if !ctx.slot.CompareAndSwap(ctx.entry, updated) {
		record.SetInvalid(buf)
		return opRetryNow
	}
	return opSuccess
}

// blockAllocate reserves log space, refreshing and backing off while the
// log is full.
func (st *Store) blockAllocate(s *Session, size int) (record.Address, error) {
	for {
		addr, err := st.log.Allocate(size)
		if err != nil {
			return 0, err
		}
		if addr >= 0 {
			return addr, nil
		}
		pending := -addr
		for !st.log.CheckForAllocateComplete(pending) {
			s.Refresh()
			time.Sleep(10 * time.Millisecond)
		}
	}
}
