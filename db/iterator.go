// iterator.go implements the database iterator: a merging view over the
// active memtable, the immutable memtable (if any), and every SST file
// in the current Version, deduplicating keys by sequence number and
// skipping tombstones.
package db

import (
	"bytes"
	"errors"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
)

// ErrIteratorInvalid indicates an operation was attempted on an invalid iterator.
var ErrIteratorInvalid = errors.New("db: iterator is not valid")

// Iterator provides a way to iterate over keys in the database.
type Iterator interface {
	// Valid returns true if the iterator is positioned at a valid entry.
	Valid() bool

	// SeekToFirst positions the iterator at the first key.
	SeekToFirst()

	// SeekToLast positions the iterator at the last key.
	SeekToLast()

	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// SeekForPrev positions the iterator at the last key <= target.
	SeekForPrev(target []byte)

	// Next moves the iterator to the next key.
	Next()

	// Prev moves the iterator to the previous key.
	Prev()

	// Key returns the key at the current position.
	// REQUIRES: Valid()
	Key() []byte

	// Value returns the value at the current position.
	// REQUIRES: Valid()
	Value() []byte

	// Error returns any error that has occurred.
	Error() error

	// Close releases resources associated with the iterator.
	Close() error
}

const (
	dirForward  = 1
	dirBackward = -1
)

// internalIterator wraps different iterator types with a common interface.
type internalIterator interface {
	Valid() bool
	Key() []byte   // Returns internal key
	Value() []byte // Returns value
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	UserKey() []byte
	SeqNum() uint64
	Type() dbformat.ValueType
	Error() error
}

// memtableIterWrapper wraps a memtable iterator.
type memtableIterWrapper struct {
	iter *memtable.MemTableIterator
}

func (w *memtableIterWrapper) Valid() bool        { return w.iter.Valid() }
func (w *memtableIterWrapper) Key() []byte        { return w.iter.Key() }
func (w *memtableIterWrapper) Value() []byte      { return w.iter.Value() }
func (w *memtableIterWrapper) SeekToFirst()       { w.iter.SeekToFirst() }
func (w *memtableIterWrapper) SeekToLast()        { w.iter.SeekToLast() }
func (w *memtableIterWrapper) Seek(target []byte) { w.iter.Seek(target) }
func (w *memtableIterWrapper) Next()              { w.iter.Next() }
func (w *memtableIterWrapper) Prev()              { w.iter.Prev() }
func (w *memtableIterWrapper) Error() error       { return w.iter.Error() }

func (w *memtableIterWrapper) UserKey() []byte {
	return dbformat.ExtractUserKey(w.iter.Key())
}

func (w *memtableIterWrapper) SeqNum() uint64 {
	return uint64(dbformat.ExtractSequenceNumber(w.iter.Key()))
}

func (w *memtableIterWrapper) Type() dbformat.ValueType {
	return dbformat.ExtractValueType(w.iter.Key())
}

// sstIterWrapper wraps an SST table iterator.
type sstIterWrapper struct {
	iter     *table.TableIterator
	fileNum  uint64
	reader   *table.Reader
	released bool
}

func (w *sstIterWrapper) Valid() bool        { return w.iter != nil && w.iter.Valid() }
func (w *sstIterWrapper) Key() []byte        { return w.iter.Key() }
func (w *sstIterWrapper) Value() []byte      { return w.iter.Value() }
func (w *sstIterWrapper) SeekToFirst()       { w.iter.SeekToFirst() }
func (w *sstIterWrapper) SeekToLast()        { w.iter.SeekToLast() }
func (w *sstIterWrapper) Seek(target []byte) { w.iter.Seek(target) }
func (w *sstIterWrapper) Next()              { w.iter.Next() }
func (w *sstIterWrapper) Prev()              { w.iter.Prev() }
func (w *sstIterWrapper) Error() error       { return w.iter.Error() }

func (w *sstIterWrapper) UserKey() []byte {
	return dbformat.ExtractUserKey(w.iter.Key())
}

func (w *sstIterWrapper) SeqNum() uint64 {
	return uint64(dbformat.ExtractSequenceNumber(w.iter.Key()))
}

func (w *sstIterWrapper) Type() dbformat.ValueType {
	return dbformat.ExtractValueType(w.iter.Key())
}

// dbIterator is the internal iterator implementation for the database.
// It merges memtable and SST file iterators, deduplicates keys, and skips deletions.
type dbIterator struct {
	db            *DBImpl
	snapshot      *Snapshot
	ownedSnapshot bool // true if this iterator acquired its own snapshot and must release it on Close
	err           error
	valid         bool

	// Internal iterators
	memIter  *memtable.MemTableIterator
	immIter  *memtable.MemTableIterator // Immutable memtable iterator
	sstIters []*sstIterWrapper          // SST file iterators

	// Version reference (to keep SST files alive)
	version *version.Version

	// Merged iterator state
	iterators   []internalIterator
	currentIter int // Index of current best iterator

	// savedKey is the current user key we're positioned at
	savedKey []byte
	// savedValue is the current value
	savedValue []byte

	// direction indicates whether we're moving forward or backward
	direction int // 1 = forward, -1 = backward, 0 = not moving

	iterateUpperBound []byte
	iterateLowerBound []byte

	// Comparator for key comparison (nil means use bytewise)
	comparator Comparator
}

// compareKeys compares two user keys using the configured comparator.
// Returns < 0 if a < b, 0 if a == b, > 0 if a > b.
func (it *dbIterator) compareKeys(a, b []byte) int {
	if it.comparator != nil {
		return it.comparator.Compare(a, b)
	}
	return bytes.Compare(a, b)
}

// keysEqual checks if two user keys are equal using the configured comparator.
func (it *dbIterator) keysEqual(a, b []byte) bool {
	if it.comparator != nil {
		return it.comparator.Compare(a, b) == 0
	}
	return bytes.Equal(a, b)
}

// newDBIterator creates a new database iterator pinned to snapshot. If
// ownedSnapshot is true, Close releases the snapshot.
func newDBIterator(db *DBImpl, snapshot *Snapshot, ownedSnapshot bool) *dbIterator {
	iter := &dbIterator{
		db:            db,
		snapshot:      snapshot,
		ownedSnapshot: ownedSnapshot,
		comparator:    db.comparator,
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	mem := db.mem
	imm := db.imm

	if mem != nil {
		mem.Ref()
		iter.memIter = mem.NewIterator()
		iter.iterators = append(iter.iterators, &memtableIterWrapper{iter: iter.memIter})
	}
	if imm != nil {
		imm.Ref()
		iter.immIter = imm.NewIterator()
		iter.iterators = append(iter.iterators, &memtableIterWrapper{iter: iter.immIter})
	}

	v := db.versions.Current()
	if v != nil {
		v.Ref()
		iter.version = v

		for level := 0; level < v.NumLevels(); level++ {
			for _, f := range v.Files(level) {
				sstIter := iter.createSSTIterator(f)
				if sstIter != nil {
					iter.sstIters = append(iter.sstIters, sstIter)
					iter.iterators = append(iter.iterators, sstIter)
				}
			}
		}
	}

	return iter
}

// createSSTIterator creates an iterator for an SST file.
func (it *dbIterator) createSSTIterator(f *manifest.FileMetaData) *sstIterWrapper {
	fileNum := f.FD.GetNumber()
	path := it.db.sstFilePath(fileNum)

	reader, err := it.db.tableCache.Get(fileNum, path)
	if err != nil {
		it.err = err
		return nil
	}

	return &sstIterWrapper{
		iter:    reader.NewIterator(),
		fileNum: fileNum,
		reader:  reader,
	}
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *dbIterator) Valid() bool {
	return it.valid && it.err == nil
}

// SeekToFirst positions the iterator at the first key.
func (it *dbIterator) SeekToFirst() {
	it.direction = dirForward
	it.err = nil

	if len(it.iterateLowerBound) > 0 {
		it.Seek(it.iterateLowerBound)
		return
	}

	for _, iter := range it.iterators {
		iter.SeekToFirst()
	}

	it.findNextValidEntry()
}

// SeekToLast positions the iterator at the last key.
func (it *dbIterator) SeekToLast() {
	it.direction = dirBackward
	it.err = nil

	for _, iter := range it.iterators {
		iter.SeekToLast()
	}

	if len(it.iterateUpperBound) > 0 {
		for _, iter := range it.iterators {
			for iter.Valid() && it.compareKeys(iter.UserKey(), it.iterateUpperBound) >= 0 {
				iter.Prev()
			}
		}
	}

	it.findPrevValidEntry()
}

// Seek positions the iterator at the first key >= target.
func (it *dbIterator) Seek(target []byte) {
	it.direction = dirForward
	it.err = nil

	if len(it.iterateLowerBound) > 0 && bytes.Compare(target, it.iterateLowerBound) < 0 {
		target = it.iterateLowerBound
	}

	seekKey := dbformat.NewInternalKey(target, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)

	for _, iter := range it.iterators {
		iter.Seek(seekKey)
	}

	it.findNextValidEntry()
}

// SeekForPrev positions the iterator at the last key <= target.
func (it *dbIterator) SeekForPrev(target []byte) {
	it.direction = dirBackward
	it.Seek(target)
	if !it.Valid() {
		it.SeekToLast()
	} else if bytes.Compare(it.Key(), target) > 0 {
		it.Prev()
	}
}

// Next moves the iterator to the next key.
func (it *dbIterator) Next() {
	if !it.valid {
		return
	}

	prevDirection := it.direction
	it.direction = dirForward

	if prevDirection == dirBackward {
		it.resyncIteratorsForward()
		return
	}

	for _, iter := range it.iterators {
		for iter.Valid() && it.keysEqual(iter.UserKey(), it.savedKey) {
			iter.Next()
		}
	}

	it.findNextValidEntry()
}

// Prev moves the iterator to the previous key.
func (it *dbIterator) Prev() {
	if !it.valid {
		return
	}

	prevDirection := it.direction
	it.direction = dirBackward

	if prevDirection == dirForward {
		it.resyncIteratorsBackward()
		return
	}

	for _, iter := range it.iterators {
		for iter.Valid() && it.keysEqual(iter.UserKey(), it.savedKey) {
			iter.Prev()
		}
	}

	it.findPrevValidEntry()
}

// resyncIteratorsForward repositions all iterators for forward iteration
// after a direction change from backward to forward.
func (it *dbIterator) resyncIteratorsForward() {
	seekKey := dbformat.NewInternalKey(it.savedKey, 0, dbformat.TypeValue)

	for _, iter := range it.iterators {
		iter.Seek(seekKey)
		for iter.Valid() && it.keysEqual(iter.UserKey(), it.savedKey) {
			iter.Next()
		}
	}

	it.findNextValidEntry()
}

// resyncIteratorsBackward repositions all iterators for backward iteration
// after a direction change from forward to backward.
func (it *dbIterator) resyncIteratorsBackward() {
	seekKey := dbformat.NewInternalKey(it.savedKey, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)

	for _, iter := range it.iterators {
		iter.Seek(seekKey)

		if iter.Valid() {
			if it.compareKeys(iter.UserKey(), it.savedKey) > 0 {
				iter.Prev()
			} else {
				for iter.Valid() && it.keysEqual(iter.UserKey(), it.savedKey) {
					iter.Prev()
				}
			}
		} else {
			iter.SeekToLast()
			for iter.Valid() && it.keysEqual(iter.UserKey(), it.savedKey) {
				iter.Prev()
			}
		}
	}

	it.findPrevValidEntry()
}

// findNextValidEntry finds the smallest key across all iterators
// and skips older versions and deletions.
func (it *dbIterator) findNextValidEntry() {
outerLoop:
	for {
		minIdx := -1
		var minKey []byte
		var minSeq uint64

		for i, iter := range it.iterators {
			if !iter.Valid() {
				continue
			}
			if err := iter.Error(); err != nil {
				it.err = err
				it.valid = false
				return
			}

			userKey := iter.UserKey()
			seq := iter.SeqNum()

			if it.snapshot != nil && seq > it.snapshot.Sequence() {
				iter.Next()
				continue outerLoop
			}

			if minIdx == -1 {
				minIdx = i
				minKey = userKey
				minSeq = seq
			} else {
				cmp := it.compareKeys(userKey, minKey)
				if cmp < 0 {
					minIdx = i
					minKey = userKey
					minSeq = seq
				} else if cmp == 0 && seq > minSeq {
					minIdx = i
					minSeq = seq
				}
			}
		}

		if minIdx == -1 {
			it.valid = false
			return
		}

		if it.iterators[minIdx].Type() == dbformat.TypeDeletion {
			keyToSkip := make([]byte, len(minKey))
			copy(keyToSkip, minKey)

			for _, iter := range it.iterators {
				for iter.Valid() && it.keysEqual(iter.UserKey(), keyToSkip) {
					iter.Next()
				}
			}
			continue
		}

		if len(it.iterateUpperBound) > 0 && it.compareKeys(minKey, it.iterateUpperBound) >= 0 {
			it.valid = false
			return
		}

		it.savedKey = make([]byte, len(minKey))
		copy(it.savedKey, minKey)
		it.savedValue = make([]byte, len(it.iterators[minIdx].Value()))
		copy(it.savedValue, it.iterators[minIdx].Value())
		it.currentIter = minIdx
		it.valid = true
		return
	}
}

// findPrevValidEntry finds the largest key across all iterators
// and skips older versions and deletions.
func (it *dbIterator) findPrevValidEntry() {
outerLoop:
	for {
		maxIdx := -1
		var maxKey []byte
		var maxSeq uint64

		for i, iter := range it.iterators {
			if !iter.Valid() {
				continue
			}
			if err := iter.Error(); err != nil {
				it.err = err
				it.valid = false
				return
			}

			userKey := iter.UserKey()
			seq := iter.SeqNum()

			if it.snapshot != nil && seq > it.snapshot.Sequence() {
				iter.Prev()
				continue outerLoop
			}

			// Moving backward, a child rests on the oldest version of its
			// user key; reposition it on the newest version visible here.
			snapSeq := dbformat.MaxSequenceNumber
			if it.snapshot != nil {
				snapSeq = dbformat.SequenceNumber(it.snapshot.Sequence())
			}
			iter.Seek(dbformat.NewInternalKey(append([]byte(nil), userKey...), snapSeq, dbformat.ValueTypeForSeek))
			userKey = iter.UserKey()
			seq = iter.SeqNum()

			if maxIdx == -1 {
				maxIdx = i
				maxKey = userKey
				maxSeq = seq
			} else {
				cmp := it.compareKeys(userKey, maxKey)
				if cmp > 0 {
					maxIdx = i
					maxKey = userKey
					maxSeq = seq
				} else if cmp == 0 && seq > maxSeq {
					maxIdx = i
					maxSeq = seq
				}
			}
		}

		if maxIdx == -1 {
			it.valid = false
			return
		}

		if it.iterators[maxIdx].Type() == dbformat.TypeDeletion {
			keyToSkip := make([]byte, len(maxKey))
			copy(keyToSkip, maxKey)

			for _, iter := range it.iterators {
				for iter.Valid() && it.keysEqual(iter.UserKey(), keyToSkip) {
					iter.Prev()
				}
			}
			continue
		}

		if len(it.iterateLowerBound) > 0 && it.compareKeys(maxKey, it.iterateLowerBound) < 0 {
			it.valid = false
			return
		}

		it.savedKey = make([]byte, len(maxKey))
		copy(it.savedKey, maxKey)
		it.savedValue = make([]byte, len(it.iterators[maxIdx].Value()))
		copy(it.savedValue, it.iterators[maxIdx].Value())
		it.currentIter = maxIdx
		it.valid = true
		return
	}
}

// Key returns the key at the current position.
func (it *dbIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedKey
}

// Value returns the value at the current position.
func (it *dbIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedValue
}

// Error returns any error that has occurred.
func (it *dbIterator) Error() error {
	return it.err
}

// Close releases resources associated with the iterator.
func (it *dbIterator) Close() error {
	for _, sstIter := range it.sstIters {
		if !sstIter.released {
			it.db.tableCache.Release(sstIter.fileNum)
			sstIter.released = true
		}
	}

	if it.memIter != nil {
		it.db.mem.Unref()
	}
	if it.immIter != nil && it.db.imm != nil {
		it.db.imm.Unref()
	}

	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}

	if it.ownedSnapshot && it.snapshot != nil {
		it.snapshot.Release()
	}

	it.memIter = nil
	it.immIter = nil
	it.sstIters = nil
	it.iterators = nil

	return nil
}
