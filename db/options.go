// options.go defines the configuration surface for opening and operating
// on a database: Options, WriteOptions, ReadOptions, and the small set of
// supporting types (Comparator, Logger, Snapshot, RateLimiter, Range).
package db

import (
	"sync"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/options"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// Comparator defines the ordering over user keys. It is the same shape
// the engine's internal layers already use, so a caller-supplied
// Comparator flows straight through to the memtable, the table builder,
// and the VersionSet without adaptation.
type Comparator = dbformat.UserComparator

// DefaultComparator returns the standard byte-wise lexicographic comparator.
func DefaultComparator() Comparator {
	return dbformat.BytewiseComparator
}

// Logger receives textual diagnostics, matching the LOG/LOG.old info-log
// files described in spec.md's filesystem layout.
type Logger = logging.Logger

// CompressionType selects the codec used for data blocks.
type CompressionType = compression.Type

// Compression type constants. Snappy is the spec's default; Zstd and LZ4
// are domain-stack additions selectable via Options.Compression.
const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
	CompressionZstd   = compression.ZstdCompression
	CompressionLZ4    = compression.LZ4Compression
)

// ChecksumType selects the block-trailer checksum algorithm.
type ChecksumType = checksum.Type

// Checksum type constants. CRC32C is the spec-mandated default
// ("masked_crc32c"); XXH3 is a domain-stack alternative.
const (
	ChecksumCRC32C = checksum.TypeCRC32C
	ChecksumXXH3   = checksum.TypeXXH3
)

// IOPriority classifies an I/O request for rate limiting.
type IOPriority int

const (
	IOPriorityLow  IOPriority = iota // background flush/compaction
	IOPriorityHigh                   // user reads/writes
)

// RateLimiter paces background I/O. Request should block or delay as
// needed to enforce the limiter's policy before bytes worth of I/O proceeds.
type RateLimiter interface {
	Request(bytes int64, priority IOPriority)
}

// Range describes a half-open user-key range [Start, Limit) for
// GetApproximateSizes.
type Range struct {
	Start []byte
	Limit []byte
}

// Options configures Open. Zero value is not valid; start from
// DefaultOptions().
type Options struct {
	// Comparator orders user keys. Defaults to byte-wise lexicographic.
	Comparator Comparator

	// CreateIfMissing creates the database if it does not already exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks causes recoverable corruption (a bad WAL record,
	// for instance) to fail Open/recovery instead of being skipped.
	ParanoidChecks bool

	// FS is the filesystem facade. Defaults to the real OS filesystem.
	FS vfs.FS

	// Logger receives textual diagnostics. Defaults to a stderr logger
	// at LevelWarn.
	Logger Logger

	// WriteBufferSize is the memtable rotation threshold in bytes.
	WriteBufferSize int

	// MaxOpenFiles caps the table cache's open SST file handles.
	MaxOpenFiles int

	// BlockCacheSize is the target size in bytes of the shared block
	// cache. Zero disables the cache.
	BlockCacheSize int64

	// BlockSize is the target uncompressed size of a data block.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// in a data block.
	BlockRestartInterval int

	// Compression selects the data block codec.
	Compression CompressionType

	// ChecksumType selects the block-trailer checksum algorithm.
	ChecksumType ChecksumType

	// FilterBitsPerKey controls the Bloom filter built for each SST.
	// Zero disables filters.
	FilterBitsPerKey int

	// MaxWriteBufferNumber is loaded from an options file but not read by
	// the write path, which keeps at most one immutable memtable and makes
	// writers wait while it is being flushed.
	MaxWriteBufferNumber int

	// Level0FileNumCompactionTrigger is the L0 file count that triggers
	// compaction.
	Level0FileNumCompactionTrigger int

	// Level0SlowdownWritesTrigger is the L0 file count that introduces
	// a 1ms write delay.
	Level0SlowdownWritesTrigger int

	// Level0StopWritesTrigger is the L0 file count that stalls writes
	// entirely until compaction catches up.
	Level0StopWritesTrigger int

	// MaxBytesForLevelBase is the target total size of level 1.
	MaxBytesForLevelBase int64

	// DisableAutoCompactions turns off the background worker's
	// automatic compaction scheduling; CompactRange still works.
	DisableAutoCompactions bool

	// MaxSubcompactions is the maximum parallelism for a single
	// compaction job. 1 disables subcompaction.
	MaxSubcompactions int

	// RateLimiter paces background flush/compaction I/O. Nil disables
	// rate limiting.
	RateLimiter RateLimiter
}

// DefaultOptions returns an Options populated with spec.md §6's defaults.
func DefaultOptions() *Options {
	return &Options{
		Comparator:                     DefaultComparator(),
		WriteBufferSize:                4 * 1024 * 1024, // 4MiB
		MaxOpenFiles:                   1000,
		BlockCacheSize:                 8 * 1024 * 1024, // 8MiB
		BlockSize:                      4 * 1024,        // 4KiB
		BlockRestartInterval:           16,
		Compression:                    CompressionSnappy,
		ChecksumType:                   ChecksumCRC32C,
		FilterBitsPerKey:               10,
		MaxWriteBufferNumber:           2,
		Level0FileNumCompactionTrigger: 4,
		Level0SlowdownWritesTrigger:    8,
		Level0StopWritesTrigger:        20,
		MaxBytesForLevelBase:           256 * 1024 * 1024, // 256MiB
		MaxSubcompactions:              1,
	}
}

// LoadOptionsFile reads an OPTIONS file (the "key=value" sectioned
// format: [Version], [DBOptions], [CFOptions "default"]) and overlays its
// DBOptions section onto a fresh DefaultOptions(), so deployments can
// persist tuning outside of code. Keys the OPTIONS format expresses but
// this engine has no equivalent for (column family sections beyond
// compression/write_buffer_size, compaction style, target file size)
// are parsed but ignored.
func LoadOptionsFile(fs vfs.FS, path string) (*Options, error) {
	parsed, err := options.ReadOptionsFile(fs, path)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	if parsed.MaxOpenFiles > 0 {
		opts.MaxOpenFiles = parsed.MaxOpenFiles
	}
	if parsed.WriteBufferSize > 0 {
		opts.WriteBufferSize = int(parsed.WriteBufferSize)
	}
	if parsed.MaxWriteBufferNumber > 0 {
		opts.MaxWriteBufferNumber = parsed.MaxWriteBufferNumber
	}
	if parsed.Level0FileNumCompactionTrigger > 0 {
		opts.Level0FileNumCompactionTrigger = parsed.Level0FileNumCompactionTrigger
	}
	if parsed.Level0SlowdownWritesTrigger > 0 {
		opts.Level0SlowdownWritesTrigger = parsed.Level0SlowdownWritesTrigger
	}
	if parsed.Level0StopWritesTrigger > 0 {
		opts.Level0StopWritesTrigger = parsed.Level0StopWritesTrigger
	}
	if parsed.MaxBytesForLevelBase > 0 {
		opts.MaxBytesForLevelBase = parsed.MaxBytesForLevelBase
	}
	if parsed.MaxSubcompactions > 0 {
		opts.MaxSubcompactions = parsed.MaxSubcompactions
	}
	opts.Compression = parsed.Compression

	return opts, nil
}

// WriteOptions configures Put/Delete/Write.
type WriteOptions struct {
	// Sync causes the WAL append to be fsync'd before the call returns.
	Sync bool
}

// DefaultWriteOptions returns WriteOptions with Sync disabled.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// ReadOptions configures Get and NewIterator.
type ReadOptions struct {
	// VerifyChecksums is not read by Get or NewIterator; whether SST
	// reads verify block checksums follows Options.ParanoidChecks.
	VerifyChecksums bool

	// FillCache is not read by Get or NewIterator.
	FillCache bool

	// Snapshot, if set, pins reads to that snapshot's sequence number.
	Snapshot *Snapshot

	// IterateLowerBound, if set, bounds NewIterator's iteration from below (inclusive).
	IterateLowerBound []byte

	// IterateUpperBound, if set, bounds NewIterator's iteration from above (exclusive).
	IterateUpperBound []byte
}

// DefaultReadOptions returns ReadOptions matching spec.md §6's defaults
// (verify_checksums=false, fill_cache=true).
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		FillCache: true,
	}
}

// FlushOptions configures Flush.
type FlushOptions struct {
	// Wait blocks until the flush completes.
	Wait bool
}

// DefaultFlushOptions returns FlushOptions with Wait enabled.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}

// WaitForCompactOptions configures WaitForCompact.
type WaitForCompactOptions struct {
	// AbortOnPause returns immediately if background work is paused.
	AbortOnPause bool
}

// CompactRangeOptions configures CompactRange.
type CompactRangeOptions struct {
	// ChangeLevel, if true, moves the compaction's output to TargetLevel.
	ChangeLevel bool

	// TargetLevel is the level to move output files to when ChangeLevel is set.
	TargetLevel int

	// ExclusiveManualCompaction blocks automatic background compactions
	// for the duration of this manual compaction.
	ExclusiveManualCompaction bool
}

// DefaultCompactRangeOptions returns the zero-value CompactRangeOptions
// (no level change, non-exclusive).
func DefaultCompactRangeOptions() *CompactRangeOptions {
	return &CompactRangeOptions{}
}

// Snapshot pins reads to the sequence number in effect when it was taken.
// Snapshots form a doubly-linked list on the DB ordered by creation time;
// compaction consults the oldest live snapshot to decide which superseded
// versions of a key are still needed.
type Snapshot struct {
	sequence uint64

	db         *DBImpl
	prev, next *Snapshot
}

// Sequence returns the sequence number this snapshot pins reads to.
func (s *Snapshot) Sequence() uint64 {
	return s.sequence
}

// Release releases the snapshot. After this call the snapshot must not
// be used again.
func (s *Snapshot) Release() {
	if s.db != nil {
		s.db.releaseSnapshot(s)
	}
}

// snapshotList is a doubly-linked list of live snapshots ordered oldest-first.
type snapshotList struct {
	mu   sync.Mutex
	head Snapshot // dummy head/tail sentinel
}

func newSnapshotList() *snapshotList {
	l := &snapshotList{}
	l.head.prev = &l.head
	l.head.next = &l.head
	return l
}

func (l *snapshotList) new(db *DBImpl, seq uint64) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &Snapshot{sequence: seq, db: db}
	s.prev = l.head.prev
	s.next = &l.head
	s.prev.next = s
	s.next.prev = s
	return s
}

func (l *snapshotList) release(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.prev == nil && s.next == nil {
		return // already released
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}

// oldest returns the sequence number of the oldest live snapshot, or
// dbformat.MaxSequenceNumber if there are none.
func (l *snapshotList) oldest() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head.next == &l.head {
		return uint64(dbformat.MaxSequenceNumber)
	}
	return l.head.next.sequence
}

func (l *snapshotList) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head.next == &l.head
}
