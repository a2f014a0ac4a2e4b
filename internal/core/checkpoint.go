// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// ErrCheckpointInProgress is returned when a checkpoint, grow or GC cycle
// is already running.
var ErrCheckpointInProgress = errors.New("core: another system activity is in progress")

type checkpointKind int

const (
	ckptNone checkpointKind = iota
	ckptIndexOnly
	ckptHybridLogOnly
	ckptFull
)

// checkpointState tracks one checkpoint cycle. The phase-mark set gates
// global transitions on every active session having performed the entry
// actions of the current phase.
type checkpointState struct {
	kind        checkpointKind
	token       string
	version     uint32 // version being captured (v)
	useSnapshot bool

	startLogical   record.Address // tail when PREPARE completed
	flushedAtStart record.Address
	snapStart      record.Address
	finalLogical   record.Address
	indexFinal     record.Address

	sessionSerials *xsync.MapOf[string, uint64]

	prepArmed   atomic.Bool
	flushArmed  atomic.Bool
	metaWritten atomic.Bool
	failed      atomic.Value // error

	markMu    sync.Mutex
	markedFor epoch.State
	markedSet map[string]struct{}
}

func (c *checkpointState) fail(err error) {
	c.failed.CompareAndSwap(nil, err)
}

func (c *checkpointState) Err() error {
	if e, ok := c.failed.Load().(error); ok {
		return e
	}
	return nil
}

// TakeFullCheckpoint starts an index plus hybrid-log checkpoint cycle and
// returns its token. The cycle progresses as sessions refresh; use
// CompleteCheckpoint to drive it to completion.
func (st *Store) TakeFullCheckpoint(s *Session) (string, error) {
	return st.startCheckpoint(s, ckptFull)
}

// TakeIndexCheckpoint starts an index-only checkpoint.
func (st *Store) TakeIndexCheckpoint(s *Session) (string, error) {
	return st.startCheckpoint(s, ckptIndexOnly)
}

// TakeHybridLogCheckpoint starts a hybrid-log-only checkpoint.
func (st *Store) TakeHybridLogCheckpoint(s *Session) (string, error) {
	return st.startCheckpoint(s, ckptHybridLogOnly)
}

func (st *Store) startCheckpoint(s *Session, kind checkpointKind) (string, error) {
	cur := st.state.Load()
	if cur.Phase() != epoch.PhaseRest {
		return "", ErrCheckpointInProgress
	}
	token := uuid.NewString()
	st.ckpt = &checkpointState{
		kind:           kind,
		token:          token,
		version:        cur.Version(),
		useSnapshot:    st.cfg.UseSnapshotFile,
		sessionSerials: xsync.NewMapOf[string, uint64](),
		markedSet:      make(map[string]struct{}),
	}
	first := epoch.PhasePrepIndexCheckpoint
	if kind == ckptHybridLogOnly {
		first = epoch.PhasePrepare
	}
	if !st.state.GlobalMoveToNextState(cur, epoch.MakeState(first, cur.Version())) {
		return "", ErrCheckpointInProgress
	}
	s.Refresh()
	return token, nil
}

// CompleteCheckpoint drives the cycle from the calling session. With wait
// set it refreshes until the store returns to rest; otherwise it performs
// a single refresh. Returns the checkpoint error, if any.
func (st *Store) CompleteCheckpoint(s *Session, wait bool) error {
	for {
		s.Refresh()
		if st.state.Load().Phase() == epoch.PhaseRest {
			return st.ckpt.Err()
		}
		if !wait {
			return nil
		}
		// Keep the session's own parked work moving; WAIT_PENDING cannot
		// clear while this session still owes continuations.
		s.drainResponses()
		s.drainRetries()
	}
}

// handlePhases reconciles a session with the global {phase, version} word
// and performs the per-phase entry actions. Called on every Refresh.
func (st *Store) handlePhases(s *Session) {
	global := st.state.Load()
	gp := global.Phase()
	if gp == epoch.PhaseRest {
		s.phase = epoch.PhaseRest
		s.version = global.Version()
		s.marked = global // reset so a later cycle at this version re-marks
		return
	}
	if s.marked == global {
		s.phase = gp
		return
	}
	switch gp {
	case epoch.PhasePrepIndexCheckpoint, epoch.PhaseIndexCheckpoint, epoch.PhasePrepare,
		epoch.PhasePersistenceCallback, epoch.PhasePrepareGrow:
		s.phase = gp
		s.marked = global
		st.markSession(s, global)
	case epoch.PhaseInProgress:
		// Leaving PREPARE: capture the session's recoverable prefix and
		// move to the new version.
		st.ckpt.sessionSerials.Store(s.guid, s.serialNum)
		s.version = global.Version()
		s.phase = gp
		s.marked = global
		st.markSession(s, global)
	case epoch.PhaseWaitPending:
		s.phase = gp
		s.version = global.Version()
		if s.outstanding() == 0 {
			s.marked = global
			st.markSession(s, global)
		}
	case epoch.PhaseWaitFlush:
		s.phase = gp
		st.checkWaitFlush(global)
	case epoch.PhaseInProgressGrow, epoch.PhaseGC:
		// Not mark-gated; completion is driven by the chunk sweeps.
		s.phase = gp
		s.marked = global
	}
}

// markSession records that s finished the entry actions of the phase; the
// session completing the set performs the global transition.
func (st *Store) markSession(s *Session, global epoch.State) {
	c := st.ckpt
	c.markMu.Lock()
	if c.markedFor != global {
		c.markedFor = global
		c.markedSet = make(map[string]struct{})
	}
	c.markedSet[s.guid] = struct{}{}
	done := len(c.markedSet) >= st.sessions.Size()
	c.markMu.Unlock()
	if done {
		st.performTransition(global)
	}
}

// performTransition runs the coordinator work bound to leaving the given
// state and advances the global word. The CAS makes it race-free: only one
// caller per state wins.
func (st *Store) performTransition(global epoch.State) {
	v := global.Version()
	switch global.Phase() {
	case epoch.PhasePrepIndexCheckpoint:
		if st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseIndexCheckpoint, v)) {
			if err := st.writeIndexCheckpoint(); err != nil {
				st.ckpt.fail(err)
			}
		}
	case epoch.PhaseIndexCheckpoint:
		next := epoch.MakeState(epoch.PhaseRest, v)
		if st.ckpt.kind == ckptFull {
			next = epoch.MakeState(epoch.PhasePrepare, v)
		}
		if st.state.GlobalMoveToNextState(global, next) && next.Phase() == epoch.PhaseRest {
			st.finishCheckpoint()
		}
	case epoch.PhasePrepare:
		// Capture before the CAS publishes IN_PROGRESS, so observers of
		// the new state also see the captured addresses.
		if st.ckpt.prepArmed.CompareAndSwap(false, true) {
			st.ckpt.startLogical = st.log.TailAddress()
			st.ckpt.flushedAtStart = st.log.FlushedUntilAddress()
		}
		st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseInProgress, v+1))
	case epoch.PhaseInProgress:
		st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseWaitPending, v))
	case epoch.PhaseWaitPending:
		if st.ckpt.flushArmed.CompareAndSwap(false, true) {
			st.ckpt.finalLogical = st.log.TailAddress()
			if st.ckpt.useSnapshot {
				if err := st.writeSnapshotFile(); err != nil {
					st.ckpt.fail(err)
				}
			} else {
				st.log.ShiftReadOnlyToTail()
			}
		}
		st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseWaitFlush, v))
	case epoch.PhasePersistenceCallback:
		if st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseRest, v)) {
			if cb := st.cfg.PersistenceCallback; cb != nil {
				cb(st.ckpt.token)
			}
			st.finishCheckpoint()
		}
	case epoch.PhasePrepareGrow:
		st.idx.StartGrow(resolver{st}, func() {
			st.state.GlobalMoveToNextState(
				epoch.MakeState(epoch.PhaseInProgressGrow, v),
				epoch.MakeState(epoch.PhaseRest, v))
		})
		st.state.GlobalMoveToNextState(global, epoch.MakeState(epoch.PhaseInProgressGrow, v))
	}
}

// checkWaitFlush advances WAIT_FLUSH once every captured record is
// durable: fold-over waits for the flushed-until watermark to pass the
// final address, snapshot checkpoints already wrote their side file.
func (st *Store) checkWaitFlush(global epoch.State) {
	c := st.ckpt
	if !c.useSnapshot {
		st.log.FlushUntil(c.finalLogical)
		if st.log.FlushedUntilAddress() < c.finalLogical {
			return
		}
	}
	if !c.metaWritten.CompareAndSwap(false, true) {
		return
	}
	if err := st.writeHybridLogCheckpoint(); err != nil {
		c.fail(err)
	}
	st.state.GlobalMoveToNextState(global,
		epoch.MakeState(epoch.PhasePersistenceCallback, global.Version()))
}

func (st *Store) finishCheckpoint() {
	st.metrics.Checkpoints.Inc()
}

// --- checkpoint files -------------------------------------------------

func (st *Store) indexCheckpointDir(token string) string {
	return filepath.Join(st.cfg.checkpointDir(), "index-"+token)
}

func (st *Store) logCheckpointDir(token string) string {
	return filepath.Join(st.cfg.checkpointDir(), "log-"+token)
}

// writeIndexCheckpoint captures the primary table and overflow buckets
// plus the line-oriented metadata record.
func (st *Store) writeIndexCheckpoint() error {
	dir := st.indexCheckpointDir(st.ckpt.token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ht, err := os.Create(filepath.Join(dir, "ht.dat"))
	if err != nil {
		return err
	}
	htBytes, err := st.idx.WriteTable(ht)
	if cerr := ht.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	ofb, err := os.Create(filepath.Join(dir, "ofb.dat"))
	if err != nil {
		return err
	}
	ofbBytes, err := st.idx.WriteOverflow(ofb)
	if cerr := ofb.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	st.ckpt.indexFinal = st.log.TailAddress()
	meta := fmt.Sprintf("%s\n%d\n%d\n%d\n%d\n%d\n%d\n",
		st.ckpt.token,
		st.idx.Size(),
		htBytes,
		ofbBytes,
		st.idx.Size(),
		st.log.BeginAddress(),
		st.ckpt.indexFinal,
	)
	return os.WriteFile(filepath.Join(dir, "info.txt"), []byte(meta), 0o644)
}

// writeSnapshotFile copies the captured in-memory range to the side file.
func (st *Store) writeSnapshotFile() error {
	c := st.ckpt
	c.snapStart = c.flushedAtStart
	if head := st.log.HeadAddress(); c.snapStart < head {
		c.snapStart = head
	}
	dir := st.logCheckpointDir(c.token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data := st.log.CopyRange(c.snapStart, c.finalLogical)
	return os.WriteFile(filepath.Join(dir, "snapshot.dat"), data, 0o644)
}

// writeHybridLogCheckpoint writes the log metadata record and one context
// file per captured session.
func (st *Store) writeHybridLogCheckpoint() error {
	c := st.ckpt
	dir := st.logCheckpointDir(c.token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	flushed := c.finalLogical
	useSnap := 0
	if c.useSnapshot {
		useSnap = 1
		flushed = c.snapStart
	}
	guids := make([]string, 0, 8)
	var werr error
	c.sessionSerials.Range(func(guid string, serial uint64) bool {
		guids = append(guids, guid)
		body := fmt.Sprintf("%d\n%s\n%d\n", c.version, guid, serial)
		if err := os.WriteFile(filepath.Join(dir, guid+".txt"), []byte(body), 0o644); err != nil {
			werr = err
			return false
		}
		return true
	})
	if werr != nil {
		return werr
	}
	meta := fmt.Sprintf("%s\n%d\n%d\n%d\n%d\n%d\n%d\n",
		c.token,
		useSnap,
		c.version,
		flushed,
		st.log.BeginAddress(),
		c.finalLogical,
		len(guids),
	)
	for _, g := range guids {
		meta += g + "\n"
	}
	return os.WriteFile(filepath.Join(dir, "info.txt"), []byte(meta), 0o644)
}
