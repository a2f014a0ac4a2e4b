// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"testing"

	"github.com/kianostad/hlstore/internal/io/device"
)

// checkpointEnv keeps a device and checkpoint directory alive across a
// simulated crash: the second store opens over the same state.
type checkpointEnv struct {
	dev     *device.MemoryDevice
	ckptDir string
}

func newCheckpointEnv(t *testing.T) *checkpointEnv {
	return &checkpointEnv{
		dev:     device.NewMemoryDevice(512, -1),
		ckptDir: t.TempDir(),
	}
}

func (e *checkpointEnv) config(fns Functions) Config {
	return Config{
		IndexBuckets:  256,
		PageBits:      14,
		MemoryPages:   8,
		MutablePages:  4,
		Device:        e.dev,
		CheckpointDir: e.ckptDir,
		Functions:     fns,
	}
}

func TestFullCheckpointAndRecover(t *testing.T) {
	t.Parallel()
	env := newCheckpointEnv(t)

	st := newTestStore(t, env.config(BlobFunctions{}))
	s := st.StartSession()
	guid := s.ID()

	s.Upsert([]byte("k1"), []byte("v1"), 1)
	s.Upsert([]byte("k2"), []byte("v2"), 2)

	tok, err := st.TakeFullCheckpoint(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}

	// Past the recoverable prefix; lost at the crash.
	s.Upsert([]byte("k3"), []byte("v3"), 3)

	// Crash: the store goes away, the device and checkpoint dir survive.
	st.Dispose()

	st2 := newTestStore(t, env.config(BlobFunctions{}))
	if err := st2.Recover(tok, tok); err != nil {
		t.Fatal(err)
	}

	s2, serial, err := st2.ContinueSession(guid)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()
	if serial != 2 {
		t.Fatalf("ContinueSession serial = %d, want 2", serial)
	}

	readBack := func(key string, wantStatus Status, wantVal string) {
		t.Helper()
		serial++
		val, got := s2.Read([]byte(key), nil, serial)
		if got == Pending {
			for _, op := range s2.CompletePending(true) {
				if string(op.Key) == key {
					val, got = op.Output, op.Status
				}
			}
		}
		if got != wantStatus {
			t.Fatalf("Read(%s) = %v, want %v", key, got, wantStatus)
		}
		if wantStatus == OK && string(val) != wantVal {
			t.Fatalf("Read(%s) = %q, want %q", key, val, wantVal)
		}
	}

	readBack("k1", OK, "v1")
	readBack("k2", OK, "v2")
	readBack("k3", NotFound, "")
}

func TestSnapshotCheckpointAndRecover(t *testing.T) {
	t.Parallel()
	env := newCheckpointEnv(t)

	cfg := env.config(BlobFunctions{})
	cfg.UseSnapshotFile = true
	st := newTestStore(t, cfg)
	s := st.StartSession()
	guid := s.ID()

	for i := 0; i < 20; i++ {
		s.Upsert([]byte(fmt.Sprintf("snap-%02d", i)), []byte(fmt.Sprintf("v%d", i)), uint64(i+1))
	}

	tok, err := st.TakeFullCheckpoint(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}
	st.Dispose()

	cfg2 := env.config(BlobFunctions{})
	cfg2.UseSnapshotFile = true
	st2 := newTestStore(t, cfg2)
	if err := st2.Recover(tok, tok); err != nil {
		t.Fatal(err)
	}
	s2, _, err := st2.ContinueSession(guid)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()

	serial := uint64(100)
	for i := 0; i < 20; i++ {
		serial++
		key := fmt.Sprintf("snap-%02d", i)
		val, got := s2.Read([]byte(key), nil, serial)
		if got == Pending {
			for _, op := range s2.CompletePending(true) {
				if string(op.Key) == key {
					val, got = op.Output, op.Status
				}
			}
		}
		if got != OK || string(val) != fmt.Sprintf("v%d", i) {
			t.Fatalf("Read(%s) = %v %q", key, got, val)
		}
	}
}

func TestIndexOnlyCheckpoint(t *testing.T) {
	t.Parallel()
	st := newTestStore(t, Config{})
	s := st.StartSession()
	defer s.Stop()

	s.Upsert([]byte("a"), []byte("1"), 1)
	tok, err := st.TakeIndexCheckpoint(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}
	if tok == "" {
		t.Fatal("empty checkpoint token")
	}
	// The store keeps serving after an index checkpoint.
	val, got := s.Read([]byte("a"), nil, 2)
	if got != OK || string(val) != "1" {
		t.Fatalf("Read = %v %q", got, val)
	}
}

func TestCheckpointDuringTraffic(t *testing.T) {
	t.Parallel()
	env := newCheckpointEnv(t)
	st := newTestStore(t, env.config(BlobFunctions{}))
	s := st.StartSession()

	for i := 0; i < 100; i++ {
		s.Upsert([]byte(fmt.Sprintf("pre-%03d", i)), []byte("v"), uint64(i+1))
	}
	tok, err := st.TakeFullCheckpoint(s)
	if err != nil {
		t.Fatal(err)
	}
	// Interleave more writes with the phase progression.
	for i := 0; i < 100; i++ {
		s.Upsert([]byte(fmt.Sprintf("mid-%03d", i)), []byte("v"), uint64(200+i))
		if err := st.CompleteCheckpoint(s, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}
	st.Dispose()

	st2 := newTestStore(t, env.config(BlobFunctions{}))
	if err := st2.Recover(tok, tok); err != nil {
		t.Fatal(err)
	}
	s2 := st2.StartSession()
	defer s2.Stop()
	// Every pre-checkpoint write must be recovered.
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("pre-%03d", i)
		val, got := s2.Read([]byte(key), nil, uint64(i+1))
		if got == Pending {
			for _, op := range s2.CompletePending(true) {
				if string(op.Key) == key {
					val, got = op.Output, op.Status
				}
			}
		}
		if got != OK || string(val) != "v" {
			t.Fatalf("Read(%s) = %v %q", key, got, val)
		}
	}
}

func TestSecondCheckpointRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	st := newTestStore(t, Config{})
	s := st.StartSession()
	defer s.Stop()
	s.Upsert([]byte("x"), []byte("y"), 1)

	// Start a cycle but do not drive it; a second start must refuse.
	if _, err := st.TakeFullCheckpoint(s); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TakeFullCheckpoint(s); err == nil {
		t.Fatal("second checkpoint started while the first was running")
	}
	if err := st.CompleteCheckpoint(s, true); err != nil {
		t.Fatal(err)
	}
}
