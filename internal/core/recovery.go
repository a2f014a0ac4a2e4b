// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// indexMetadata is the line-oriented index checkpoint record.
type indexMetadata struct {
	token        string
	tableSize    uint64
	numHtBytes   int64
	numOfbBytes  int64
	numBuckets   uint64
	startLogical record.Address
	finalLogical record.Address
}

// hlogMetadata is the line-oriented hybrid-log checkpoint record.
type hlogMetadata struct {
	token        string
	useSnapshot  bool
	version      uint32
	flushed      record.Address
	startLogical record.Address
	finalLogical record.Address
	sessions     []string
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func parseInt(lines []string, i int, what string) (int64, error) {
	if i >= len(lines) {
		return 0, fmt.Errorf("core: checkpoint metadata truncated at %s", what)
	}
	v, err := strconv.ParseInt(lines[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("core: checkpoint metadata field %s: %w", what, err)
	}
	return v, nil
}

func (st *Store) readIndexMetadata(token string) (*indexMetadata, error) {
	lines, err := readLines(filepath.Join(st.indexCheckpointDir(token), "info.txt"))
	if err != nil {
		return nil, err
	}
	if len(lines) < 7 {
		return nil, fmt.Errorf("core: index metadata for %s is corrupt", token)
	}
	if lines[0] != token {
		return nil, fmt.Errorf("core: index metadata token mismatch: %s", lines[0])
	}
	m := &indexMetadata{token: lines[0]}
	fields := []struct {
		dst  *int64
		name string
	}{
		{new(int64), "tableSize"},
		{&m.numHtBytes, "numHtBytes"},
		{&m.numOfbBytes, "numOfbBytes"},
		{new(int64), "numBuckets"},
		{&m.startLogical, "startLogicalAddress"},
		{&m.finalLogical, "finalLogicalAddress"},
	}
	for i, f := range fields {
		v, err := parseInt(lines, i+1, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
		switch f.name {
		case "tableSize":
			m.tableSize = uint64(v)
		case "numBuckets":
			m.numBuckets = uint64(v)
		}
	}
	return m, nil
}

func (st *Store) readHlogMetadata(token string) (*hlogMetadata, error) {
	lines, err := readLines(filepath.Join(st.logCheckpointDir(token), "info.txt"))
	if err != nil {
		return nil, err
	}
	if len(lines) < 7 {
		return nil, fmt.Errorf("core: hybrid log metadata for %s is corrupt", token)
	}
	if lines[0] != token {
		return nil, fmt.Errorf("core: hybrid log metadata token mismatch: %s", lines[0])
	}
	m := &hlogMetadata{token: lines[0]}
	snap, err := parseInt(lines, 1, "useSnapshotFile")
	if err != nil {
		return nil, err
	}
	m.useSnapshot = snap != 0
	ver, err := parseInt(lines, 2, "version")
	if err != nil {
		return nil, err
	}
	m.version = uint32(ver)
	if m.flushed, err = parseInt(lines, 3, "flushedLogicalAddress"); err != nil {
		return nil, err
	}
	if m.startLogical, err = parseInt(lines, 4, "startLogicalAddress"); err != nil {
		return nil, err
	}
	if m.finalLogical, err = parseInt(lines, 5, "finalLogicalAddress"); err != nil {
		return nil, err
	}
	n, err := parseInt(lines, 6, "numThreads")
	if err != nil {
		return nil, err
	}
	if int64(len(lines)) < 7+n {
		return nil, fmt.Errorf("core: hybrid log metadata for %s misses session guids", token)
	}
	m.sessions = lines[7 : 7+n]
	return m, nil
}

// Recover rebuilds the store from an index checkpoint and a hybrid-log
// checkpoint. It must run on a freshly opened store, before any session
// starts. Recovered session prefixes become available to ContinueSession.
func (st *Store) Recover(indexToken, hlogToken string) error {
	im, err := st.readIndexMetadata(indexToken)
	if err != nil {
		return err
	}
	hm, err := st.readHlogMetadata(hlogToken)
	if err != nil {
		return err
	}

	// Load the hash table and overflow buckets.
	idxDir := st.indexCheckpointDir(indexToken)
	ht, err := os.Open(filepath.Join(idxDir, "ht.dat"))
	if err != nil {
		return err
	}
	defer ht.Close()
	ofb, err := os.Open(filepath.Join(idxDir, "ofb.dat"))
	if err != nil {
		return err
	}
	defer ofb.Close()
	if err := st.idx.ReadTable(ht, ofb); err != nil {
		return err
	}

	// Restore the snapshot side file into the log address space so the
	// replay below (and later pending reads) can fetch it from the device.
	if hm.useSnapshot {
		data, err := os.ReadFile(filepath.Join(st.logCheckpointDir(hlogToken), "snapshot.dat"))
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		st.log.WriteRange(hm.flushed, data, func(e error) { done <- e })
		if err := <-done; err != nil {
			return err
		}
	}

	// Replay the tail of the log into the index. The index checkpoint is
	// fuzzy, so replay starts at its final address: re-inserting a chain
	// head the index already has is a no-op.
	scanStart := im.finalLogical
	if scanStart < hm.startLogical {
		scanStart = hm.startLogical
	}
	if err := st.replayLog(scanStart, hm.finalLogical, hm.version); err != nil {
		return err
	}

	// Publish per-session continuation tokens.
	for _, guid := range hm.sessions {
		lines, err := readLines(filepath.Join(st.logCheckpointDir(hlogToken), guid+".txt"))
		if err != nil {
			return err
		}
		if len(lines) < 3 || lines[1] != guid {
			return fmt.Errorf("core: session context for %s is corrupt", guid)
		}
		serial, err := strconv.ParseUint(lines[2], 10, 64)
		if err != nil {
			return fmt.Errorf("core: session context for %s: %w", guid, err)
		}
		st.continueTokens.Store(guid, serial)
	}

	st.log.RestoreAfterRecovery(hm.startLogical, hm.finalLogical)
	st.state = epoch.NewSystemState(hm.version + 1)
	st.metrics.Recoveries.Inc()
	return nil
}

// replayLog scans records in [from, to) off the device and re-inserts
// chain heads into the index, skipping records of a newer version than the
// checkpoint captured.
func (st *Store) replayLog(from, to record.Address, version uint32) error {
	pageSize := st.log.PageSize()
	for addr := from; addr < to; {
		pageStart := addr &^ (pageSize - 1)
		pageEnd := pageStart + pageSize
		n := pageEnd - pageStart
		if pageEnd > to {
			n = to - pageStart
		}
		page, err := st.readLogRange(pageStart, int(n))
		if err != nil {
			return err
		}
		off := addr - pageStart
		for off+record.HeaderSize <= int64(len(page)) {
			buf := page[off:]
			info := record.LoadInfo(buf)
			if info == 0 {
				break // allocation hole; rest of page is empty
			}
			size := int64(record.TotalSize(buf))
			if size <= 0 || off+size > int64(len(page)) {
				return fmt.Errorf("core: corrupt record at %d during replay", pageStart+off)
			}
			recAddr := pageStart + off
			if !info.Invalid() && !info.Tentative() && info.Version() <= version {
				st.replayRecord(recAddr, buf[:size])
			}
			off += size
		}
		addr = pageEnd
	}
	return nil
}

func (st *Store) replayRecord(addr record.Address, buf []byte) {
	h := st.hashKey(record.Key(buf))
	for {
		slot, entry := st.idx.FindOrCreateTag(h)
		if entry.Address() >= addr {
			return
		}
		if slot.CompareAndSwap(entry, entry.WithAddress(addr)) {
			return
		}
	}
}

// readLogRange synchronously reads raw log bytes from the device.
func (st *Store) readLogRange(addr record.Address, n int) ([]byte, error) {
	buf := make([]byte, n)
	// Page-sized reads never span device segments: segments are
	// page-aligned multiples.
	var seg, off uint64
	if ss := st.dev.SegmentSize(); ss == -1 {
		off = uint64(addr)
	} else {
		seg, off = uint64(addr)/uint64(ss), uint64(addr)%uint64(ss)
	}
	done := make(chan error, 1)
	st.dev.ReadAsync(seg, off, buf, func(err error) { done <- err })
	if err := <-done; err != nil {
		return nil, err
	}
	return buf, nil
}
