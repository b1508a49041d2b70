package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// MemTable is the in-memory sorted structure that absorbs writes before
// they are flushed to an SST file. Every entry lives in one Arena
// allocation carrying:
//
//	internal_key_len : varint32 (len(user_key) + 8)
//	internal_key     : user_key ‖ u64_le(seq<<8|type)
//	value_len        : varint32
//	value            : value_len bytes
//
// and that allocation is what gets inserted into the skip list, keyed
// by the InternalKeyComparator.
type MemTable struct {
	arena    *Arena
	skiplist *SkipList
	icmp     *dbformat.InternalKeyComparator

	memoryUsage atomic.Int64

	firstSeqno    dbformat.SequenceNumber
	earliestSeqno dbformat.SequenceNumber

	refs atomic.Int32

	// nextLogNumber is set when this memtable becomes immutable: WAL
	// files numbered below it are safe to delete once the memtable has
	// been flushed.
	nextLogNumber atomic.Uint64

	mu sync.Mutex
}

// NewMemTable creates an empty MemTable ordered by cmp (nil defaults to
// dbformat.BytewiseComparator).
func NewMemTable(cmp dbformat.UserComparator) *MemTable {
	icmp := dbformat.NewInternalKeyComparator(cmp)
	arena := NewArena()
	mt := &MemTable{
		arena:         arena,
		icmp:          icmp,
		earliestSeqno: dbformat.MaxSequenceNumber,
	}
	mt.skiplist = NewSkipList(func(a, b []byte) int {
		return icmp.Compare(extractInternalKey(a), extractInternalKey(b))
	})
	mt.refs.Store(1)
	return mt
}

// extractInternalKey pulls the internal key out of an encoded memtable
// entry ([keyLen:varint][internalKey][valueLen:varint][value]).
func extractInternalKey(entry []byte) []byte {
	keyLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil || int(keyLen) > len(entry)-n {
		return entry
	}
	return entry[n : n+int(keyLen)]
}

// Ref increments the reference count. A MemTable starts with a
// reference count of 1 held by its owning column/DB.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// Unref decrements the reference count and reports whether it reached
// zero, meaning the caller may discard the MemTable.
func (mt *MemTable) Unref() bool {
	return mt.refs.Add(-1) == 0
}

// Add inserts a (key, value) pair recorded at sequence seq with the
// given type (TypeValue for Put, TypeDeletion for Delete).
//
// REQUIRES: external synchronization against concurrent Add calls
// (DBImpl serializes writers before they reach the memtable).
func (mt *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	internalKeyLen := len(key) + dbformat.NumInternalBytes
	valueLen := len(value)
	encodedLen := encoding.VarintLength(uint64(internalKeyLen)) + internalKeyLen +
		encoding.VarintLength(uint64(valueLen)) + valueLen

	buf := mt.arena.AllocateAligned(encodedLen)
	p := encoding.EncodeVarint32(buf, uint32(internalKeyLen))
	copy(buf[p:], key)
	p += len(key)
	encoding.EncodeFixed64(buf[p:], dbformat.PackSequenceAndType(seq, typ))
	p += dbformat.NumInternalBytes
	p += encoding.EncodeVarint32(buf[p:], uint32(valueLen))
	copy(buf[p:], value)

	mt.skiplist.Insert(buf)
	mt.memoryUsage.Add(int64(encodedLen))

	if seq < mt.earliestSeqno {
		mt.earliestSeqno = seq
	}
	if seq > mt.firstSeqno {
		mt.firstSeqno = seq
	}
}

// LookupResult is the outcome of a Get.
type LookupResult int

const (
	// NotFound means no entry for the key exists in this memtable at
	// all; the caller should continue searching older memtables/SSTs.
	NotFound LookupResult = iota
	// FoundValue means a live value was found.
	FoundValue
	// FoundDeleted means the most recent entry for the key is a
	// tombstone; the caller must stop searching, the key is deleted.
	FoundDeleted
)

// Get looks up key as of lk's sequence number and value-for-seek tag.
func (mt *MemTable) Get(lk *dbformat.LookupKey) (value []byte, result LookupResult) {
	iter := mt.skiplist.NewIterator()
	iter.Seek(lk.MemtableKey())
	if !iter.Valid() {
		return nil, NotFound
	}

	entryKey, entryValue, ok := parseEntry(iter.Key())
	if !ok {
		return nil, NotFound
	}
	parsed, err := dbformat.ParseInternalKey(entryKey)
	if err != nil {
		return nil, NotFound
	}
	if mt.icmp.User().Compare(parsed.UserKey, lk.UserKey()) != 0 {
		return nil, NotFound
	}

	switch parsed.Type {
	case dbformat.TypeValue:
		return entryValue, FoundValue
	case dbformat.TypeDeletion:
		return nil, FoundDeleted
	default:
		return nil, NotFound
	}
}

// buildLookupEntry wraps an internal key with its skip-list length
// prefix so it can be compared against stored entries directly.
func buildLookupEntry(internalKey []byte) []byte {
	buf := make([]byte, 0, encoding.MaxVarint32Length+len(internalKey))
	buf = encoding.AppendVarint32(buf, uint32(len(internalKey)))
	buf = append(buf, internalKey...)
	return buf
}

// parseEntry splits a stored entry into its internal key and value.
func parseEntry(entry []byte) (internalKey, value []byte, ok bool) {
	keyLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil || int(keyLen) > len(entry)-n {
		return nil, nil, false
	}
	entry = entry[n:]
	internalKey, entry = entry[:keyLen], entry[keyLen:]

	valueLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil {
		return nil, nil, false
	}
	entry = entry[n:]
	if int(valueLen) > len(entry) {
		return nil, nil, false
	}
	return internalKey, entry[:valueLen], true
}

// ApproximateMemoryUsage returns the arena's total footprint in bytes.
// DBImpl compares this against Options.WriteBufferSize to decide when
// to rotate to a new memtable.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.arena.MemoryUsage()
}

// NextLogNumber returns the WAL file number below which files are safe
// to delete once this (now-immutable) memtable has been flushed. Zero
// means it has not been set yet.
func (mt *MemTable) NextLogNumber() uint64 {
	return mt.nextLogNumber.Load()
}

// SetNextLogNumber records the log number to delete up to once this
// memtable is flushed. Called when the memtable becomes immutable.
func (mt *MemTable) SetNextLogNumber(num uint64) {
	mt.nextLogNumber.Store(num)
}

// Count returns the number of entries (including tombstones) held.
func (mt *MemTable) Count() int64 {
	return mt.skiplist.Count()
}

// Empty reports whether the memtable holds no entries.
func (mt *MemTable) Empty() bool {
	return mt.Count() == 0
}

// FirstSequenceNumber returns the highest sequence number Add'd so far.
func (mt *MemTable) FirstSequenceNumber() dbformat.SequenceNumber {
	return mt.firstSeqno
}

// EarliestSequenceNumber returns the lowest sequence number Add'd so far.
func (mt *MemTable) EarliestSequenceNumber() dbformat.SequenceNumber {
	return mt.earliestSeqno
}

// NewIterator returns an iterator over all entries, newest-sequence
// first among duplicate user keys, in internal-key order.
func (mt *MemTable) NewIterator() *MemTableIterator {
	return &MemTableIterator{iter: mt.skiplist.NewIterator()}
}

// MemTableIterator iterates over raw (internal_key, value) pairs.
type MemTableIterator struct {
	iter *Iterator

	internalKey []byte
	value       []byte
	valid       bool
}

// Valid reports whether the iterator is positioned at an entry.
func (it *MemTableIterator) Valid() bool {
	return it.valid
}

// SeekToFirst positions at the first entry.
func (it *MemTableIterator) SeekToFirst() {
	it.iter.SeekToFirst()
	it.parseCurrentEntry()
}

// SeekToLast positions at the last entry.
func (it *MemTableIterator) SeekToLast() {
	it.iter.SeekToLast()
	it.parseCurrentEntry()
}

// Seek positions at the first entry with internal key >= target.
func (it *MemTableIterator) Seek(internalKeyTarget []byte) {
	it.iter.Seek(buildLookupEntry(internalKeyTarget))
	it.parseCurrentEntry()
}

// Next advances to the next entry.
func (it *MemTableIterator) Next() {
	it.iter.Next()
	it.parseCurrentEntry()
}

// Prev moves to the previous entry.
func (it *MemTableIterator) Prev() {
	it.iter.Prev()
	it.parseCurrentEntry()
}

// Key returns the current entry's full internal key.
func (it *MemTableIterator) Key() []byte {
	return it.internalKey
}

// Value returns the current entry's value.
func (it *MemTableIterator) Value() []byte {
	return it.value
}

// Error always returns nil: memtable iteration cannot fail once built.
func (it *MemTableIterator) Error() error {
	return nil
}

func (it *MemTableIterator) parseCurrentEntry() {
	if !it.iter.Valid() {
		it.valid = false
		it.internalKey = nil
		it.value = nil
		return
	}
	var ok bool
	it.internalKey, it.value, ok = parseEntry(it.iter.Key())
	it.valid = ok
}
