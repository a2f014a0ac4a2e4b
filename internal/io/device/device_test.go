// Licensed under the MIT License. See LICENSE file in the project root for details.

package device

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func testDeviceRoundTrip(t *testing.T, d Device) {
	t.Helper()
	payload := []byte("hybrid log page payload")
	wrote := make(chan error, 1)
	d.WriteAsync(payload, 2, 4096, func(err error) { wrote <- err })
	if err := waitErr(t, wrote); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := make([]byte, len(payload))
	read := make(chan error, 1)
	d.ReadAsync(2, 4096, dst, func(err error) { read <- err })
	if err := waitErr(t, read); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, payload) {
		t.Fatalf("read back %q, want %q", dst, payload)
	}

	// Reads past the written extent zero-fill.
	far := make([]byte, 16)
	read2 := make(chan error, 1)
	d.ReadAsync(2, 1<<20, far, func(err error) { read2 <- err })
	if err := waitErr(t, read2); err != nil {
		t.Fatalf("far read: %v", err)
	}
	for i, b := range far {
		if b != 0 {
			t.Fatalf("byte %d past extent = %d, want 0", i, b)
		}
	}
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("device operation timed out")
		return nil
	}
}

func TestMemoryDeviceRoundTrip(t *testing.T) {
	t.Parallel()
	d := NewMemoryDevice(512, 1<<22)
	defer d.Close()
	testDeviceRoundTrip(t, d)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	t.Parallel()
	d, err := NewFileDevice(t.TempDir(), FileDeviceOptions{SegmentSize: 1 << 22})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	testDeviceRoundTrip(t, d)
}

func TestFileDeviceRejectsBadSegmentSize(t *testing.T) {
	t.Parallel()
	if _, err := NewFileDevice(t.TempDir(), FileDeviceOptions{SegmentSize: 3000}); err == nil {
		t.Error("expected an error for a non-power-of-two segment size")
	}
}

func TestFileDeviceDeleteSegmentRange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := NewFileDevice(dir, FileDeviceOptions{SegmentSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	for seg := uint64(0); seg < 3; seg++ {
		done := make(chan error, 1)
		d.WriteAsync([]byte("x"), seg, 0, func(err error) { done <- err })
		if err := waitErr(t, done); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.DeleteSegmentRange(0, 2); err != nil {
		t.Fatal(err)
	}
	for seg := 0; seg < 2; seg++ {
		if _, err := os.Stat(filepath.Join(dir, "log."+strconv.Itoa(seg))); !os.IsNotExist(err) {
			t.Errorf("segment %d still present", seg)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "log.2")); err != nil {
		t.Errorf("segment 2 deleted by mistake: %v", err)
	}
}

func TestClosedDeviceFailsFast(t *testing.T) {
	t.Parallel()
	d := NewMemoryDevice(512, -1)
	d.Close()
	done := make(chan error, 1)
	d.WriteAsync([]byte("x"), 0, 0, func(err error) { done <- err })
	if err := waitErr(t, done); err != ErrClosed {
		t.Errorf("write on closed device: %v, want ErrClosed", err)
	}
}
