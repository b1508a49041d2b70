// flush.go implements the flush operation that writes an immutable
// memtable out to an L0 SST file and installs it via a VersionEdit.
package db

import (
	"fmt"

	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/table"
)

// FlushJob flushes a memtable to an SST file.
type FlushJob struct {
	db *DBImpl

	// The memtable being flushed
	mem *memtable.MemTable

	// Output file number
	fileNum uint64
}

// newFlushJob creates a new flush job for the given memtable.
func newFlushJob(db *DBImpl, mem *memtable.MemTable) *FlushJob {
	return &FlushJob{
		db:  db,
		mem: mem,
	}
}

// Run executes the flush job, allocating a file number from the DB's
// VersionSet.
// Returns the metadata of the created SST file, or an error.
func (fj *FlushJob) Run() (*manifest.FileMetaData, error) {
	return fj.RunWithFileNumber(fj.db.versions.NextFileNumber())
}

// RunWithFileNumber executes the flush job using a caller-supplied file
// number, for callers (such as RepairDB) that have no VersionSet to
// allocate one from yet.
func (fj *FlushJob) RunWithFileNumber(fileNum uint64) (*manifest.FileMetaData, error) {
	fj.fileNum = fileNum

	// Create the SST file
	sstPath := fj.db.sstFilePath(fj.fileNum)
	file, err := fj.db.fs.Create(sstPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create SST file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Create table builder
	opts := table.DefaultBuilderOptions()
	opts.ComparatorName = fj.db.comparator.Name()
	opts.Compression = fj.db.options.Compression
	opts.ChecksumType = fj.db.options.ChecksumType
	opts.BlockSize = fj.db.options.BlockSize
	opts.BlockRestartInterval = fj.db.options.BlockRestartInterval
	opts.FilterBitsPerKey = fj.db.options.FilterBitsPerKey
	builder := table.NewTableBuilder(file, opts)

	// Iterate over the memtable and add all entries
	iter := fj.mem.NewIterator()
	var firstKey, lastKey []byte
	var smallestSeq, largestSeq uint64

	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := iter.Key()
		value := iter.Value()

		// The key from memtable iterator is an internal key
		if err := builder.Add(key, value); err != nil {
			builder.Abandon()
			return nil, fmt.Errorf("failed to add entry to SST: %w", err)
		}

		// Track first and last keys
		if firstKey == nil {
			firstKey = append([]byte{}, key...)
			smallestSeq = extractSeqNum(key)
		}
		lastKey = append(lastKey[:0], key...)
		seq := extractSeqNum(key)
		if seq < smallestSeq {
			smallestSeq = seq
		}
		if seq > largestSeq {
			largestSeq = seq
		}
	}

	// Check for iterator errors
	if err := iter.Error(); err != nil {
		builder.Abandon()
		return nil, fmt.Errorf("memtable iteration error: %w", err)
	}

	// If no entries were written, abandon the file
	if builder.NumEntries() == 0 {
		builder.Abandon()
		// Remove the empty file
		_ = fj.db.fs.Remove(sstPath) // Best-effort cleanup
		return nil, nil
	}

	// Finish the SST file
	if err := builder.Finish(); err != nil {
		return nil, fmt.Errorf("failed to finish SST file: %w", err)
	}
	fileSize := builder.FileSize()

	// Sync the file, then the directory: the directory entry must be
	// durable before MANIFEST can reference this SST.
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync SST file: %w", err)
	}
	if err := fj.db.fs.SyncDir(fj.db.name); err != nil {
		return nil, fmt.Errorf("failed to sync directory after SST write: %w", err)
	}

	// Create file metadata
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(fj.fileNum, 0, fileSize)
	meta.FD.SmallestSeqno = manifest.SequenceNumber(smallestSeq)
	meta.FD.LargestSeqno = manifest.SequenceNumber(largestSeq)
	meta.Smallest = firstKey
	meta.Largest = lastKey

	return meta, nil
}

// extractSeqNum extracts the sequence number from an internal key.
// Internal key format: user_key + 8 bytes (seq << 8 | type)
func extractSeqNum(internalKey []byte) uint64 {
	if len(internalKey) < 8 {
		return 0
	}
	// Last 8 bytes contain (seq << 8 | type) in little-endian
	tag := uint64(internalKey[len(internalKey)-8]) |
		uint64(internalKey[len(internalKey)-7])<<8 |
		uint64(internalKey[len(internalKey)-6])<<16 |
		uint64(internalKey[len(internalKey)-5])<<24 |
		uint64(internalKey[len(internalKey)-4])<<32 |
		uint64(internalKey[len(internalKey)-3])<<40 |
		uint64(internalKey[len(internalKey)-2])<<48 |
		uint64(internalKey[len(internalKey)-1])<<56

	return tag >> 8 // Remove the type bits
}

// doFlush performs the actual flush of the immutable memtable.
func (db *DBImpl) doFlush() error {
	db.mu.Lock()
	if db.imm == nil {
		db.mu.Unlock()
		return nil // Nothing to flush
	}
	imm := db.imm
	db.mu.Unlock()

	// Create and run the flush job
	job := newFlushJob(db, imm)
	meta, err := job.Run()
	if err != nil {
		return err
	}

	db.mu.Lock()

	// If the memtable was empty, just clear the immutable memtable
	if meta == nil {
		db.imm = nil
		if db.immCond != nil {
			db.immCond.Broadcast()
		}
		db.mu.Unlock()
		return nil
	}

	// Update the version with the new file
	edit := manifest.NewVersionEdit()
	edit.SetLogNumber(db.logFileNumber)
	edit.SetLastSequence(manifest.SequenceNumber(db.versions.LastSequence()))
	edit.AddFile(0, meta) // flush always produces an L0 file

	if err := db.versions.LogAndApply(edit); err != nil {
		db.mu.Unlock()
		return fmt.Errorf("failed to log version edit: %w", err)
	}

	db.imm = nil
	if db.immCond != nil {
		db.immCond.Broadcast()
	}
	db.deleteObsoleteFiles()
	db.mu.Unlock()

	return nil
}
