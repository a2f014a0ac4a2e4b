// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"path/filepath"

	"github.com/kianostad/hlstore/internal/io/device"
)

// Config configures a Store. Everything is passed explicitly at
// construction; the engine never consults process globals.
type Config struct {
	// Dir is the root directory for log segments and checkpoints. Ignored
	// when Device is supplied and CheckpointDir is set.
	Dir string

	// IndexBuckets is the initial hash table size (a power of two).
	IndexBuckets uint64

	// PageBits sets the log page size to 1<<PageBits bytes.
	PageBits uint
	// MemoryPages is the number of in-memory log pages (a power of two).
	MemoryPages int
	// MutablePages is how many of the newest pages accept in-place
	// updates; the rest of the memory buffer is the frozen tail.
	MutablePages int

	// Device overrides the default file-backed device under Dir/log.
	Device device.Device
	// SegmentSize is the device segment size when the default file device
	// is used; -1 keeps the whole log in one file.
	SegmentSize int64

	// CheckpointDir overrides Dir/checkpoints.
	CheckpointDir string
	// UseSnapshotFile selects snapshot checkpoints over fold-over.
	UseSnapshotFile bool

	// ReadCacheBytes enables a read-through cache for disk-resident
	// records when positive.
	ReadCacheBytes int64

	// CopyReadsToTail promotes disk-read records back to the log tail.
	CopyReadsToTail bool

	// Functions is the user callback capability.
	Functions Functions

	// PersistenceCallback runs after each checkpoint's metadata is
	// durable, with the checkpoint token.
	PersistenceCallback func(token string)
}

// DefaultConfig returns a working configuration rooted at dir: a 64K
// bucket index and a 64-page, 1 MiB-page log with a mutable half.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		IndexBuckets: 1 << 16,
		PageBits:     20,
		MemoryPages:  64,
		MutablePages: 32,
		SegmentSize:  1 << 30,
		Functions:    BlobFunctions{},
	}
}

func (c *Config) validate() error {
	if c.IndexBuckets == 0 || c.IndexBuckets&(c.IndexBuckets-1) != 0 {
		return errors.New("core: IndexBuckets must be a power of two")
	}
	if c.Functions == nil {
		return errors.New("core: Functions capability is required")
	}
	if c.Device == nil && c.Dir == "" {
		return errors.New("core: either Dir or Device must be set")
	}
	return nil
}

func (c *Config) logDir() string { return filepath.Join(c.Dir, "log") }

func (c *Config) checkpointDir() string {
	if c.CheckpointDir != "" {
		return c.CheckpointDir
	}
	return filepath.Join(c.Dir, "checkpoints")
}
