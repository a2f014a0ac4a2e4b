// Licensed under the MIT License. See LICENSE file in the project root for details.

package record

import (
	"bytes"
	"testing"
)

func TestInfoPacking(t *testing.T) {
	t.Parallel()
	info := NewInfo(42, 0xDEADBEEF, false, false)
	if got := info.Version(); got != 42 {
		t.Errorf("Version() = %d, want 42", got)
	}
	if got := info.PreviousAddress(); got != 0xDEADBEEF {
		t.Errorf("PreviousAddress() = %#x, want 0xDEADBEEF", got)
	}
	if info.Tombstone() || info.Invalid() || info.Tentative() {
		t.Error("expected all flags clear")
	}

	tomb := NewInfo(1, InvalidAddress, true, false)
	if !tomb.Tombstone() {
		t.Error("expected tombstone flag")
	}
	if tomb.PreviousAddress() != InvalidAddress {
		t.Error("tombstone flag leaked into the address bits")
	}

	tent := NewInfo(1, 7, false, true)
	if !tent.Tentative() {
		t.Error("expected tentative flag")
	}
	if tent.WithoutTentative().Tentative() {
		t.Error("WithoutTentative did not clear the flag")
	}
}

func TestInfoVersionMask(t *testing.T) {
	t.Parallel()
	info := NewInfo(1<<versionBits-1, MaxAddress, false, false)
	if got := info.Version(); got != 1<<versionBits-1 {
		t.Errorf("Version() = %d", got)
	}
	if got := info.PreviousAddress(); got != MaxAddress {
		t.Errorf("PreviousAddress() = %#x, want MaxAddress", got)
	}
}

func TestWriteAndReadBack(t *testing.T) {
	t.Parallel()
	key := []byte("answer")
	value := []byte("fortytwo!")
	size := PhysicalSize(len(key), len(value))
	if size%8 != 0 {
		t.Fatalf("PhysicalSize %d not 8-byte aligned", size)
	}
	buf := make([]byte, size)
	info := NewInfo(3, 128, false, false)
	Write(buf, info, key, len(value))
	copy(Value(buf), value)

	if got := LoadInfo(buf); got != info {
		t.Errorf("LoadInfo = %v, want %v", got, info)
	}
	if !bytes.Equal(Key(buf), key) {
		t.Errorf("Key = %q, want %q", Key(buf), key)
	}
	if !bytes.Equal(Value(buf), value) {
		t.Errorf("Value = %q, want %q", Value(buf), value)
	}
	if got := TotalSize(buf); got != size {
		t.Errorf("TotalSize = %d, want %d", got, size)
	}
}

func TestValueAlignment(t *testing.T) {
	t.Parallel()
	for keyLen := 0; keyLen < 16; keyLen++ {
		key := bytes.Repeat([]byte("k"), keyLen)
		buf := make([]byte, PhysicalSize(keyLen, 8))
		Write(buf, NewInfo(1, 0, false, false), key, 8)
		val := Value(buf)
		off := HeaderSize + Align8(keyLen)
		if &buf[off] != &val[0] {
			t.Fatalf("keyLen %d: value does not start at aligned offset %d", keyLen, off)
		}
		if off%8 != 0 {
			t.Fatalf("keyLen %d: value offset %d misaligned", keyLen, off)
		}
	}
}

func TestFlagWrites(t *testing.T) {
	t.Parallel()
	buf := make([]byte, PhysicalSize(3, 0))
	Write(buf, NewInfo(9, 1024, false, true), []byte("abc"), 0)

	SetInvalid(buf)
	if !LoadInfo(buf).Invalid() {
		t.Error("SetInvalid did not stick")
	}
	// Idempotent.
	SetInvalid(buf)
	if !LoadInfo(buf).Invalid() {
		t.Error("second SetInvalid cleared the flag")
	}

	ClearTentative(buf)
	info := LoadInfo(buf)
	if info.Tentative() {
		t.Error("ClearTentative did not stick")
	}
	if !info.Invalid() || info.Version() != 9 || info.PreviousAddress() != 1024 {
		t.Error("flag writes corrupted other header fields")
	}
}
