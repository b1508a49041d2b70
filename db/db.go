// Package db provides the main database interface and implementation: an
// ordered, durable key-value store built on a write-ahead log, an
// in-memory memtable, and leveled SST files merged by background
// compaction.
package db

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/compaction"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// Common errors returned by DB operations.
var (
	ErrDBClosed        = errors.New("db: database is closed")
	ErrNotFound        = errors.New("db: key not found")
	ErrDBExists        = errors.New("db: database already exists")
	ErrDBNotFound      = errors.New("db: database not found")
	ErrCorruption      = errors.New("db: corruption detected")
	ErrInvalidOptions  = errors.New("db: invalid options")
	ErrBackgroundError = errors.New("db: unrecoverable background error")
)

// DB is the main interface for interacting with the database. It mirrors
// spec.md's external interface: an ordered key-value map with atomic
// batch writes, snapshots, and manual compaction control.
type DB interface {
	// Put sets the value for the given key.
	Put(opts *WriteOptions, key, value []byte) error

	// Delete removes the given key. Deleting a missing key is not an error.
	Delete(opts *WriteOptions, key []byte) error

	// Write applies a batch of operations atomically.
	Write(opts *WriteOptions, wb *batch.WriteBatch) error

	// Get retrieves the value for the given key. Returns ErrNotFound if
	// the key does not exist.
	Get(opts *ReadOptions, key []byte) ([]byte, error)

	// NewIterator creates an iterator over the entire keyspace.
	NewIterator(opts *ReadOptions) Iterator

	// GetSnapshot creates a new snapshot pinned to the current state.
	GetSnapshot() *Snapshot

	// ReleaseSnapshot releases a previously acquired snapshot.
	ReleaseSnapshot(s *Snapshot)

	// Flush forces the active memtable out to an L0 SST file.
	Flush(opts *FlushOptions) error

	// Close closes the database, releasing all resources.
	Close() error

	// GetProperty returns the value of a database property, e.g.
	// "leveldb.num-files-at-level0", "leveldb.stats", "leveldb.sstables".
	GetProperty(name string) (string, bool)

	// GetApproximateSizes returns, for each range, the approximate number
	// of bytes of file data on disk that fall within it.
	GetApproximateSizes(ranges []Range) []uint64

	// CompactRange manually triggers compaction for the specified key
	// range. If start and end are both nil, the entire database is
	// compacted.
	CompactRange(opts *CompactRangeOptions, start, end []byte) error

	// WaitForCompact blocks until no flush or compaction is pending.
	WaitForCompact(opts *WaitForCompactOptions) error

	// DisableFileDeletions prevents obsolete-file cleanup from running,
	// for taking a consistent snapshot of the data directory. Calls
	// nest; an equal number of EnableFileDeletions calls re-enables it.
	DisableFileDeletions() error

	// EnableFileDeletions re-enables file deletions after
	// DisableFileDeletions.
	EnableFileDeletions() error
}

// Open opens the database at the specified path, creating it if
// CreateIfMissing is set and no database exists there yet. This follows
// spec.md's recovery sequence: acquire the directory lock, create or
// recover the VersionSet from MANIFEST, replay any WAL segments newer
// than the last flush, then open a fresh WAL for new writes.
func Open(path string, opts *Options) (DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	comparator := opts.Comparator
	if comparator == nil {
		comparator = DefaultComparator()
	}

	logger := logging.OrDefault(opts.Logger)

	exists := fs.Exists(path) && fs.Exists(currentFilePath(path))

	if exists && opts.ErrorIfExists {
		return nil, ErrDBExists
	}
	if !exists && !opts.CreateIfMissing {
		return nil, ErrDBNotFound
	}
	if !exists {
		if err := fs.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}

	lock, err := fs.Lock(lockFilePath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database lock: %w", err)
	}

	cacheOpts := table.DefaultTableCacheOptions()
	if opts.MaxOpenFiles > 0 {
		cacheOpts.MaxOpenFiles = opts.MaxOpenFiles
	}
	cacheOpts.VerifyChecksums = opts.ParanoidChecks

	d := &DBImpl{
		name:       path,
		options:    opts,
		fs:         fs,
		comparator: comparator,
		lock:       lock,
		shutdownCh: make(chan struct{}),
		tableCache: table.NewTableCache(fs, cacheOpts),
		snapshots:  newSnapshotList(),
		logger:     logger,
	}
	d.immCond = sync.NewCond(&d.mu)

	d.versions = version.NewVersionSet(version.VersionSetOptions{
		DBName:              path,
		FS:                  fs,
		MaxManifestFileSize: 1 << 30, // 1GiB
		NumLevels:           version.MaxNumLevels,
		ComparatorName:      comparator.Name(),
	})

	if exists {
		if err := d.recover(); err != nil {
			_ = lock.Close()
			return nil, err
		}
	} else {
		if err := d.create(); err != nil {
			_ = lock.Close()
			return nil, err
		}
	}

	d.bgWork = newBackgroundWork(d, opts)
	if !opts.DisableAutoCompactions {
		d.bgWork.Start()
		d.bgWork.MaybeScheduleCompaction()
	}

	return d, nil
}

// DBImpl is the concrete implementation of the DB interface.
type DBImpl struct {
	name string

	options    *Options
	fs         vfs.FS
	comparator Comparator
	lock       io.Closer

	mu sync.RWMutex

	versions *version.VersionSet

	logFile       vfs.WritableFile
	logFileNumber uint64
	logWriter     *wal.Writer

	mem *memtable.MemTable
	imm *memtable.MemTable // immutable memtable awaiting flush

	tableCache *table.TableCache
	snapshots  *snapshotList
	bgWork     *BackgroundWork

	// backgroundError is sticky: once an I/O failure occurs during a
	// background flush or compaction, writes fail fast with this error
	// until the database is reopened. Reads are unaffected.
	backgroundError error

	immCond *sync.Cond

	logger Logger

	fileDeletionsDisabled int // nesting count for Disable/EnableFileDeletions

	closed     bool
	shutdownCh chan struct{}
}

func currentFilePath(dbname string) string { return dbname + "/CURRENT" }
func lockFilePath(dbname string) string    { return dbname + "/LOCK" }

// create initializes a brand-new database directory.
func (db *DBImpl) create() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Create(); err != nil {
		return err
	}

	logNumber := db.versions.NextFileNumber()
	logFile, err := db.fs.Create(db.logFilePath(logNumber))
	if err != nil {
		return err
	}
	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false)

	db.mem = memtable.NewMemTable(db.comparator)

	edit := manifest.NewVersionEdit()
	edit.SetLogNumber(logNumber)
	if err := db.versions.LogAndApply(edit); err != nil {
		return err
	}

	return nil
}

// recover restores database state from an existing MANIFEST and replays
// any WAL segments that were not yet flushed at the last clean close (or
// that survived a crash).
func (db *DBImpl) recover() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Recover(); err != nil {
		return err
	}

	db.mem = memtable.NewMemTable(db.comparator)

	if err := db.replayWAL(); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	logNumber := db.versions.NextFileNumber()
	logFile, err := db.fs.Create(db.logFilePath(logNumber))
	if err != nil {
		return err
	}
	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false)

	// Only bump NextFileNumber; LogNumber stays at its recovered value
	// (advanced only once a flush clears the memtable we just replayed).
	edit := manifest.NewVersionEdit()
	if err := db.versions.LogAndApply(edit); err != nil {
		return err
	}

	db.deleteObsoleteFiles()
	return nil
}

// replayWAL replays every WAL segment at or after the VersionSet's
// recovered LogNumber into the active memtable, flushing it to an SST
// whenever it grows past WriteBufferSize. REQUIRES: db.mu held.
func (db *DBImpl) replayWAL() error {
	entries, err := db.fs.ListDir(db.name)
	if err != nil {
		return err
	}

	type logFile struct {
		number uint64
		name   string
	}
	var logs []logFile
	logNumber := db.versions.LogNumber()
	for _, name := range entries {
		number, typ, ok := parseFileName(name)
		if !ok || typ != fileTypeLog {
			continue
		}
		if number < logNumber {
			continue
		}
		logs = append(logs, logFile{number: number, name: name})
	}
	for i := 0; i < len(logs); i++ {
		for j := i + 1; j < len(logs); j++ {
			if logs[j].number < logs[i].number {
				logs[i], logs[j] = logs[j], logs[i]
			}
		}
	}

	var maxSeq uint64
	for _, lf := range logs {
		file, err := db.fs.Open(db.logFilePath(lf.number))
		if err != nil {
			return err
		}
		reporter := &walCorruptionReporter{logger: db.logger, paranoid: db.options.ParanoidChecks}
		reader := wal.NewReader(file, reporter, db.options.ParanoidChecks, lf.number)

		for {
			record, err := reader.ReadRecord()
			if err != nil {
				break
			}
			wb, err := batch.NewFromData(record)
			if err != nil {
				if db.options.ParanoidChecks {
					_ = file.Close()
					return fmt.Errorf("corrupt WAL record in %s: %w", lf.name, err)
				}
				continue
			}
			startSeq := wb.Sequence()
			if err := wb.Iterate(&memtableInserter{mem: db.mem, sequence: startSeq}); err != nil {
				if db.options.ParanoidChecks {
					_ = file.Close()
					return err
				}
				continue
			}
			if end := startSeq + uint64(wb.Count()) - 1; end > maxSeq {
				maxSeq = end
			}
			if db.mem.ApproximateMemoryUsage() >= int64(db.options.WriteBufferSize) {
				db.versions.SetLastSequence(maxSeq)
				job := newFlushJob(db, db.mem)
				meta, err := job.Run()
				if err != nil {
					_ = file.Close()
					return err
				}
				if meta != nil {
					flushEdit := manifest.NewVersionEdit()
					flushEdit.AddFile(0, meta)
					if err := db.versions.LogAndApply(flushEdit); err != nil {
						_ = file.Close()
						return err
					}
				}
				db.mem = memtable.NewMemTable(db.comparator)
			}
		}
		_ = file.Close()
	}

	if maxSeq > db.versions.LastSequence() {
		db.versions.SetLastSequence(maxSeq)
	}
	return nil
}

// walCorruptionReporter implements wal.Reporter, surfacing WAL corruption
// through the database logger; replay itself decides (via ParanoidChecks)
// whether to treat it as fatal.
type walCorruptionReporter struct {
	logger   Logger
	paranoid bool
}

func (r *walCorruptionReporter) Corruption(bytes int, err error) {
	if !logging.IsNil(r.logger) {
		r.logger.Warnf("WAL corruption: %d bytes dropped: %s", bytes, err)
	}
}

func (r *walCorruptionReporter) OldLogRecord(bytes int) {}

// Put sets the value for the given key.
func (db *DBImpl) Put(opts *WriteOptions, key, value []byte) error {
	wb := batch.New()
	wb.Put(key, value)
	return db.Write(opts, wb)
}

// Delete removes the given key.
func (db *DBImpl) Delete(opts *WriteOptions, key []byte) error {
	wb := batch.New()
	wb.Delete(key)
	return db.Write(opts, wb)
}

// Write applies a batch of operations atomically: it is appended to the
// WAL as a single record (optionally fsync'd), then applied to the
// active memtable under the same sequence-number range.
func (db *DBImpl) Write(opts *WriteOptions, wb *batch.WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}
	if wb == nil {
		wb = batch.New()
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
		db.mu.Unlock()
		return err
	}

	if wb.Count() == 0 {
		db.mu.Unlock()
		return nil
	}

	if err := db.makeRoomForWrite(); err != nil {
		db.mu.Unlock()
		return err
	}

	firstSeq := db.versions.LastSequence() + 1
	wb.SetSequence(firstSeq)
	db.versions.SetLastSequence(firstSeq + uint64(wb.Count()) - 1)

	mem := db.mem
	logWriter := db.logWriter
	db.mu.Unlock()

	data := wb.Data()
	if _, err := logWriter.AddRecord(data); err != nil {
		db.SetBackgroundError(err)
		return err
	}
	if opts.Sync {
		if err := logWriter.Sync(); err != nil {
			db.SetBackgroundError(err)
			return err
		}
	}

	if err := wb.Iterate(&memtableInserter{mem: mem, sequence: firstSeq}); err != nil {
		return err
	}

	return nil
}

// makeRoomForWrite ensures the active memtable has room for another
// write, rotating it to an immutable memtable plus a fresh WAL if it is
// full, and applying spec.md's L0 slowdown/stop backpressure. REQUIRES:
// db.mu held; may temporarily release it while waiting.
func (db *DBImpl) makeRoomForWrite() error {
	allowDelay := true
	for {
		if db.backgroundError != nil {
			return db.backgroundError
		}

		l0Files := db.versions.NumLevelFiles(0)

		if db.mem.ApproximateMemoryUsage() < int64(db.options.WriteBufferSize) {
			if allowDelay && l0Files >= db.options.Level0SlowdownWritesTrigger {
				// Soft backpressure: delay this writer briefly instead of
				// stalling outright. The mutex must be dropped so other
				// writers and the background worker can make progress.
				db.mu.Unlock()
				sleepMillisecond()
				db.mu.Lock()
				allowDelay = false
				continue
			}
			return nil
		}

		if db.imm != nil {
			// A flush is already in flight; wait for it.
			db.immCond.Wait()
			continue
		}

		if l0Files >= db.options.Level0StopWritesTrigger {
			// Too many L0 files to accept another memtable; wait for
			// compaction to catch up.
			db.immCond.Wait()
			continue
		}

		// Switch to a new memtable and WAL.
		newLogNumber := db.versions.NextFileNumber()
		newLogFile, err := db.fs.Create(db.logFilePath(newLogNumber))
		if err != nil {
			return err
		}
		if db.logFile != nil {
			_ = db.logFile.Close()
		}
		db.logFile = newLogFile
		db.logFileNumber = newLogNumber
		db.logWriter = wal.NewWriter(newLogFile, newLogNumber, false)

		db.imm = db.mem
		db.mem = memtable.NewMemTable(db.comparator)

		if db.bgWork != nil {
			db.bgWork.MaybeScheduleFlush()
		}
		return nil
	}
}

// memtableInserter implements batch.Handler, applying a WriteBatch's
// records to a single memtable. Only Put/Delete carry real writes;
// spec.md's public API never produces the other record kinds (merge,
// single-delete, range-delete, column families), so they are rejected
// rather than silently accepted.
type memtableInserter struct {
	mem      *memtable.MemTable
	sequence uint64
}

var errUnsupportedBatchRecord = errors.New("db: unsupported write-batch record type")

func (m *memtableInserter) Put(key, value []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeValue, key, value)
	m.sequence++
	return nil
}

func (m *memtableInserter) Delete(key []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeDeletion, key, nil)
	m.sequence++
	return nil
}

func (m *memtableInserter) SingleDelete(key []byte) error         { return errUnsupportedBatchRecord }
func (m *memtableInserter) Merge(key, value []byte) error         { return errUnsupportedBatchRecord }
func (m *memtableInserter) DeleteRange(start, end []byte) error   { return errUnsupportedBatchRecord }
func (m *memtableInserter) LogData(blob []byte)                   {}
func (m *memtableInserter) PutCF(cf uint32, key, value []byte) error {
	return errUnsupportedBatchRecord
}
func (m *memtableInserter) DeleteCF(cf uint32, key []byte) error { return errUnsupportedBatchRecord }
func (m *memtableInserter) SingleDeleteCF(cf uint32, key []byte) error {
	return errUnsupportedBatchRecord
}
func (m *memtableInserter) MergeCF(cf uint32, key, value []byte) error {
	return errUnsupportedBatchRecord
}
func (m *memtableInserter) DeleteRangeCF(cf uint32, start, end []byte) error {
	return errUnsupportedBatchRecord
}

// Get retrieves the value for the given key, probing the active
// memtable, then the immutable memtable (if any), then the current
// Version's SST files from L0 (newest first) down through the
// bottommost level.
func (db *DBImpl) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDBClosed
	}
	seq := db.versions.LastSequence()
	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	mem := db.mem
	mem.Ref()
	imm := db.imm
	if imm != nil {
		imm.Ref()
	}
	v := db.versions.Current()
	if v != nil {
		v.Ref()
	}
	db.mu.Unlock()

	defer func() {
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		if v != nil {
			v.Unref()
		}
	}()

	lk := dbformat.NewLookupKey(key, dbformat.SequenceNumber(seq))

	if value, result := mem.Get(lk); result != memtable.NotFound {
		return finishLookup(value, result)
	}
	if imm != nil {
		if value, result := imm.Get(lk); result != memtable.NotFound {
			return finishLookup(value, result)
		}
	}
	if v != nil {
		value, found, err := db.getFromVersion(v, key, dbformat.SequenceNumber(seq))
		if err != nil {
			return nil, err
		}
		if found {
			return value, nil
		}
	}
	return nil, ErrNotFound
}

func finishLookup(value []byte, result memtable.LookupResult) ([]byte, error) {
	if result == memtable.FoundDeleted {
		return nil, ErrNotFound
	}
	return copySlice(value), nil
}

// getFromVersion searches the SST files referenced by v for key. L0
// files may overlap so all of them are checked, newest first; L1+ files
// are expected to be non-overlapping within a level, but all of them are
// still checked (in reverse file order, i.e. highest keys first) as a
// defensive measure against any transient overlap a partially-applied
// compaction edit could otherwise produce.
func (db *DBImpl) getFromVersion(v *version.Version, key []byte, seq dbformat.SequenceNumber) ([]byte, bool, error) {
	for level := 0; level < v.NumLevels(); level++ {
		files := v.Files(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if db.comparator.Compare(key, dbformat.ExtractUserKey(f.Smallest)) < 0 {
				continue
			}
			if db.comparator.Compare(key, dbformat.ExtractUserKey(f.Largest)) > 0 {
				continue
			}
			value, found, deleted, err := db.getFromFile(f, key, seq)
			if err != nil {
				return nil, false, err
			}
			if found {
				if deleted {
					return nil, false, nil
				}
				return copySlice(value), true, nil
			}
		}
	}
	return nil, false, nil
}

// getFromFile searches for key within a single SST file.
func (db *DBImpl) getFromFile(f *manifest.FileMetaData, key []byte, seq dbformat.SequenceNumber) (value []byte, found, deleted bool, err error) {
	fileNum := f.FD.GetNumber()
	path := db.sstFilePath(fileNum)

	reader, err := db.tableCache.Get(fileNum, path)
	if err != nil {
		return nil, false, false, err
	}
	defer db.tableCache.Release(fileNum)

	seekKey := dbformat.NewInternalKey(key, seq, dbformat.ValueTypeForSeek)
	iter := reader.NewIterator()
	iter.Seek(seekKey)
	if !iter.Valid() {
		return nil, false, false, nil
	}

	foundKey := iter.Key()
	if db.comparator.Compare(dbformat.ExtractUserKey(foundKey), key) != 0 {
		return nil, false, false, nil
	}

	if dbformat.ExtractValueType(foundKey) == dbformat.TypeDeletion {
		return nil, true, true, nil
	}
	return iter.Value(), true, false, nil
}

// copySlice copies src so callers cannot mutate internal buffers
// (memtable arenas, cached SST blocks) through the returned value.
func copySlice(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// NewIterator creates an iterator over the entire keyspace, merging the
// active memtable, the immutable memtable (if any), and every SST file
// in the current Version.
func (db *DBImpl) NewIterator(opts *ReadOptions) Iterator {
	if opts == nil {
		opts = DefaultReadOptions()
	}

	var snapshot *Snapshot
	ownedSnapshot := false
	if opts.Snapshot != nil {
		snapshot = opts.Snapshot
	} else {
		snapshot = db.GetSnapshot()
		ownedSnapshot = true
	}

	iter := newDBIterator(db, snapshot, ownedSnapshot)
	iter.iterateLowerBound = opts.IterateLowerBound
	iter.iterateUpperBound = opts.IterateUpperBound
	return iter
}

// GetSnapshot creates a new snapshot pinned to the current sequence
// number.
func (db *DBImpl) GetSnapshot() *Snapshot {
	db.mu.RLock()
	seq := db.versions.LastSequence()
	db.mu.RUnlock()
	return db.snapshots.new(db, seq)
}

// ReleaseSnapshot releases a previously acquired snapshot.
func (db *DBImpl) ReleaseSnapshot(s *Snapshot) {
	s.Release()
}

func (db *DBImpl) releaseSnapshot(s *Snapshot) {
	db.snapshots.release(s)
}

// Flush forces the active memtable out to an L0 SST file, waiting for
// any flush already in progress first.
func (db *DBImpl) Flush(opts *FlushOptions) error {
	if opts == nil {
		opts = DefaultFlushOptions()
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	for db.imm != nil {
		if db.closed {
			db.mu.Unlock()
			return ErrDBClosed
		}
		if db.backgroundError != nil {
			err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
			db.mu.Unlock()
			return err
		}
		db.immCond.Wait()
	}

	if db.mem.Empty() {
		db.mu.Unlock()
		return nil
	}

	db.imm = db.mem
	db.mem = memtable.NewMemTable(db.comparator)
	db.mu.Unlock()

	if err := db.doFlush(); err != nil {
		return err
	}

	if db.bgWork != nil {
		db.bgWork.MaybeScheduleCompaction()
	}
	return nil
}

// Close closes the database, stopping background work and releasing the
// directory lock, WAL handle, table cache, and version set.
func (db *DBImpl) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.bgWork != nil {
		db.bgWork.Stop()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	close(db.shutdownCh)

	if db.logFile != nil {
		_ = db.logFile.Close()
		db.logFile = nil
		db.logWriter = nil
	}
	if db.tableCache != nil {
		_ = db.tableCache.Close()
	}
	if db.versions != nil {
		_ = db.versions.Close()
	}
	if db.lock != nil {
		_ = db.lock.Close()
	}
	return nil
}

// SetBackgroundError records an unrecoverable background I/O error. The
// first error wins; once set, subsequent writes fail fast while reads
// continue to work.
func (db *DBImpl) SetBackgroundError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.backgroundError == nil && err != nil {
		db.backgroundError = err
	}
}

// GetBackgroundError returns the current sticky background error, if any.
func (db *DBImpl) GetBackgroundError() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.backgroundError
}

// Supplemented GetProperty names, per spec.md's GetProperty table.
const (
	PropertyNumFilesAtLevelPrefix = "leveldb.num-files-at-level"
	PropertyStats                 = "leveldb.stats"
	PropertySSTables               = "leveldb.sstables"
)

// GetProperty returns the value of a database property.
func (db *DBImpl) GetProperty(name string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return "", false
	}

	if after, ok := strings.CutPrefix(name, PropertyNumFilesAtLevelPrefix); ok {
		level, err := strconv.Atoi(after)
		if err != nil || level < 0 || level >= version.MaxNumLevels {
			return "", false
		}
		v := db.versions.Current()
		if v == nil {
			return "0", true
		}
		return strconv.Itoa(len(v.Files(level))), true
	}

	switch name {
	case PropertyStats:
		return db.levelStats(), true
	case PropertySSTables:
		return db.sstablesDump(), true
	default:
		return "", false
	}
}

func (db *DBImpl) levelStats() string {
	var sb strings.Builder
	sb.WriteString("Level Files Size(MB)\n")
	v := db.versions.Current()
	if v == nil {
		return sb.String()
	}
	for level := 0; level < v.NumLevels(); level++ {
		files := v.Files(level)
		var totalSize uint64
		for _, f := range files {
			totalSize += f.FD.FileSize
		}
		fmt.Fprintf(&sb, "  %d   %5d %8.2f\n", level, len(files), float64(totalSize)/(1024*1024))
	}
	return sb.String()
}

func (db *DBImpl) sstablesDump() string {
	var sb strings.Builder
	v := db.versions.Current()
	if v == nil {
		return sb.String()
	}
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			fmt.Fprintf(&sb, "%d:%d[%q .. %q]\n", level, f.FD.GetNumber(), dbformat.ExtractUserKey(f.Smallest), dbformat.ExtractUserKey(f.Largest))
		}
	}
	return sb.String()
}

// GetApproximateSizes returns, for each range, the total size of the SST
// files (across all levels) whose key range overlaps it. A file that only
// partly overlaps the range counts in full; memtable data is not counted.
func (db *DBImpl) GetApproximateSizes(ranges []Range) []uint64 {
	db.mu.RLock()
	v := db.versions.Current()
	if v != nil {
		v.Ref()
	}
	db.mu.RUnlock()
	if v == nil {
		return make([]uint64, len(ranges))
	}
	defer v.Unref()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		var total uint64
		for level := 0; level < v.NumLevels(); level++ {
			for _, f := range v.Files(level) {
				if overlapsRange(db.comparator, f, r) {
					total += f.FD.FileSize
				}
			}
		}
		sizes[i] = total
	}
	return sizes
}

func overlapsRange(cmp Comparator, f *manifest.FileMetaData, r Range) bool {
	if r.Limit != nil && cmp.Compare(dbformat.ExtractUserKey(f.Smallest), r.Limit) >= 0 {
		return false
	}
	if r.Start != nil && cmp.Compare(dbformat.ExtractUserKey(f.Largest), r.Start) < 0 {
		return false
	}
	return true
}

// CompactRange manually triggers compaction over [start, end), moving
// each level's overlapping files into the next one down. A nil start or
// end is unbounded in that direction.
func (db *DBImpl) CompactRange(opts *CompactRangeOptions, start, end []byte) error {
	if opts == nil {
		opts = DefaultCompactRangeOptions()
	}

	if err := db.Flush(nil); err != nil {
		return err
	}

	db.mu.RLock()
	v := db.versions.Current()
	if v != nil {
		v.Ref()
	}
	db.mu.RUnlock()
	if v == nil {
		return nil
	}
	defer v.Unref()

	for level := 0; level < version.MaxNumLevels-1; level++ {
		if err := db.compactLevel(v, level, start, end, opts); err != nil {
			return err
		}
		db.mu.RLock()
		v.Unref()
		v = db.versions.Current()
		if v != nil {
			v.Ref()
		}
		db.mu.RUnlock()
		if v == nil {
			return nil
		}
	}
	return nil
}

func (db *DBImpl) compactLevel(v *version.Version, level int, start, end []byte, opts *CompactRangeOptions) error {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}

	var overlapping []*manifest.FileMetaData
	for _, f := range files {
		if f.BeingCompacted {
			continue
		}
		if len(start) > 0 && bytes.Compare(f.Largest, start) < 0 {
			continue
		}
		if len(end) > 0 && bytes.Compare(f.Smallest, end) >= 0 {
			continue
		}
		overlapping = append(overlapping, f)
	}
	if len(overlapping) == 0 {
		return nil
	}

	outputLevel := level + 1
	if opts.ChangeLevel && opts.TargetLevel > outputLevel {
		outputLevel = opts.TargetLevel
	}

	input := &compaction.CompactionInputFiles{Level: level, Files: overlapping}

	var smallest, largest []byte
	for _, f := range overlapping {
		if smallest == nil || bytes.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || bytes.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}

	var outputAvailable []*manifest.FileMetaData
	for _, f := range v.OverlappingInputs(outputLevel, smallest, largest) {
		if !f.BeingCompacted {
			outputAvailable = append(outputAvailable, f)
		}
	}

	inputs := []*compaction.CompactionInputFiles{input}
	if len(outputAvailable) > 0 {
		inputs = append(inputs, &compaction.CompactionInputFiles{Level: outputLevel, Files: outputAvailable})
	}

	c := compaction.NewCompaction(inputs, outputLevel)
	c.Reason = compaction.CompactionReasonManualCompaction

	db.mu.Lock()
	c.MarkFilesBeingCompacted(true)
	db.mu.Unlock()
	defer func() {
		db.mu.Lock()
		c.MarkFilesBeingCompacted(false)
		db.mu.Unlock()
	}()

	return db.bgWork.executeCompaction(c)
}

// WaitForCompact blocks until no flush or compaction is pending.
func (db *DBImpl) WaitForCompact(opts *WaitForCompactOptions) error {
	for {
		db.mu.Lock()
		idle := db.imm == nil && db.bgWork != nil && !db.bgWork.IsCompactionPending() &&
			db.bgWork.NumRunningFlushes() == 0 && db.bgWork.NumRunningCompactions() == 0
		if idle || db.closed {
			db.mu.Unlock()
			return nil
		}
		if opts != nil && opts.AbortOnPause && db.bgWork.IsPaused() {
			db.mu.Unlock()
			return nil
		}
		db.mu.Unlock()
		sleepMillisecond()
	}
}

// DisableFileDeletions prevents obsolete-file cleanup from running.
// Calls nest.
func (db *DBImpl) DisableFileDeletions() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fileDeletionsDisabled++
	return nil
}

// EnableFileDeletions re-enables file deletions after
// DisableFileDeletions, running a cleanup pass once the nesting count
// returns to zero.
func (db *DBImpl) EnableFileDeletions() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.fileDeletionsDisabled > 0 {
		db.fileDeletionsDisabled--
	}
	if db.fileDeletionsDisabled == 0 {
		db.deleteObsoleteFiles()
	}
	return nil
}

// sleepMillisecond yields the write path briefly under L0 slowdown
// backpressure and WaitForCompact's poll loop.
func sleepMillisecond() {
	time.Sleep(time.Millisecond)
}

// DestroyDB removes every file belonging to the database at path: WAL
// segments, SST files, MANIFEST files, CURRENT, and LOCK. It does not
// touch files it does not recognize, and it is not an error for path to
// not exist.
func DestroyDB(path string, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	if !fs.Exists(path) {
		return nil
	}

	entries, err := fs.ListDir(path)
	if err != nil {
		return fmt.Errorf("db: list directory: %w", err)
	}

	for _, name := range entries {
		if _, _, ok := parseFileName(name); !ok {
			continue
		}
		_ = fs.Remove(filepath.Join(path, name)) // best-effort: some entries may already be gone
	}

	return nil
}

// RepairDB attempts to bring a damaged or inconsistent database back to a
// usable state. It scans the directory for readable SST files, treats
// every one of them as an L0 file regardless of what the old MANIFEST
// said, replays any WAL segments it can read into a fresh memtable and
// flushes that memtable to a new SST, then writes a brand-new MANIFEST
// and CURRENT describing exactly those files. SST files that fail to
// open (truncated, corrupt footer) are skipped rather than treated as
// fatal: partial recovery of a damaged database is the point.
func RepairDB(path string, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	comparator := opts.Comparator
	if comparator == nil {
		comparator = DefaultComparator()
	}
	logger := logging.OrDefault(opts.Logger)

	if !fs.Exists(path) {
		return ErrDBNotFound
	}

	entries, err := fs.ListDir(path)
	if err != nil {
		return fmt.Errorf("db: list directory: %w", err)
	}

	var sstNumbers []uint64
	var logNumbers []uint64
	maxFileNum := uint64(0)
	for _, name := range entries {
		number, typ, ok := parseFileName(name)
		if !ok {
			continue
		}
		if number > maxFileNum {
			maxFileNum = number
		}
		switch typ {
		case fileTypeTable:
			sstNumbers = append(sstNumbers, number)
		case fileTypeLog:
			logNumbers = append(logNumbers, number)
		}
	}

	edit := manifest.NewVersionEdit()
	edit.SetComparatorName(comparator.Name())

	var maxSeq uint64
	for _, num := range sstNumbers {
		sstPath := (&DBImpl{name: path}).sstFilePath(num)
		meta, seq, err := repairReadSSTMeta(fs, num, sstPath)
		if err != nil {
			logger.Warnf("repair: skipping unreadable SST %d: %v", num, err)
			continue
		}
		edit.AddFile(0, meta)
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	// Replay WAL segments into a fresh memtable and flush it to a new SST,
	// so writes that never made it into an SST are not lost.
	mem := memtable.NewMemTable(comparator)
	var replaySeq uint64
	for _, num := range logNumbers {
		logPath := (&DBImpl{name: path}).logFilePath(num)
		file, err := fs.Open(logPath)
		if err != nil {
			logger.Warnf("repair: skipping unreadable log %d: %v", num, err)
			continue
		}
		reporter := &walCorruptionReporter{logger: logger, paranoid: false}
		reader := wal.NewReader(file, reporter, false, num)
		for {
			record, rerr := reader.ReadRecord()
			if rerr != nil {
				break
			}
			wb, berr := batch.NewFromData(record)
			if berr != nil {
				continue
			}
			inserter := &memtableInserter{mem: mem, sequence: replaySeq + 1}
			if ierr := wb.Iterate(inserter); ierr == nil {
				replaySeq = inserter.sequence - 1
			}
		}
		_ = file.Close()
	}
	if replaySeq > maxSeq {
		maxSeq = replaySeq
	}

	if !mem.Empty() {
		tmpDB := &DBImpl{name: path, fs: fs, options: opts, comparator: comparator}
		fileNum := maxFileNum + 1
		maxFileNum = fileNum
		job := newFlushJob(tmpDB, mem)
		meta, ferr := job.RunWithFileNumber(fileNum)
		if ferr != nil {
			logger.Warnf("repair: failed to flush recovered WAL data: %v", ferr)
		} else if meta != nil {
			edit.AddFile(0, meta)
		}
	}

	edit.SetLogNumber(0)
	edit.SetNextFileNumber(maxFileNum + 1)
	edit.SetLastSequence(manifest.SequenceNumber(maxSeq))

	vs := version.NewVersionSet(version.VersionSetOptions{
		DBName:              path,
		FS:                  fs,
		MaxManifestFileSize: 1 << 30,
		NumLevels:           version.MaxNumLevels,
		ComparatorName:      comparator.Name(),
	})
	if err := vs.Create(); err != nil {
		return fmt.Errorf("db: repair: create version set: %w", err)
	}
	if err := vs.LogAndApply(edit); err != nil {
		return fmt.Errorf("db: repair: write manifest: %w", err)
	}
	return vs.Close()
}

// repairReadSSTMeta opens an SST file directly (bypassing the table
// cache, since no DB is open yet) and derives its FileMetaData from the
// file's own first/last keys, trusting nothing from the old MANIFEST.
func repairReadSSTMeta(fs vfs.FS, number uint64, path string) (*manifest.FileMetaData, uint64, error) {
	raf, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, 0, err
	}
	reader, err := table.Open(raf, table.ReaderOptions{VerifyChecksums: true})
	if err != nil {
		_ = raf.Close()
		return nil, 0, err
	}

	iter := reader.NewIterator()
	var smallest, largest []byte
	var maxSeq uint64
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if smallest == nil {
			smallest = append([]byte{}, key...)
		}
		largest = append(largest[:0], key...)
		if seq := uint64(dbformat.ExtractSequenceNumber(key)); seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := iter.Error(); err != nil {
		_ = raf.Close()
		return nil, 0, err
	}
	if smallest == nil {
		_ = raf.Close()
		return nil, 0, errors.New("db: empty SST file")
	}

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(number, 0, raf.Size())
	meta.Smallest = smallest
	meta.Largest = largest
	_ = raf.Close()
	return meta, maxSeq, nil
}
