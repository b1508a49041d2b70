// Package dbformat defines the internal key format used throughout the
// storage engine: how a user key, a sequence number, and a value type
// are packed into the single byte string that the memtable skip list
// and the on-disk tables actually sort.
//
// Internal key: user_key ‖ u64_le(sequence<<8 | type). Entries sharing
// a user key sort by sequence number descending, so the newest version
// of a key is always the first one a reader encounters.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/lsmkv/internal/encoding"
)

// SequenceNumber is a 56-bit counter assigned at write time.
type SequenceNumber uint64

// MaxSequenceNumber is the largest representable sequence number (2^56 - 1).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the trailer appended to every user key.
const NumInternalBytes = 8

// ValueType distinguishes a live value from a tombstone. It is embedded
// in the on-disk format and must not change.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone.
	TypeDeletion ValueType = 0x00
	// TypeValue marks a live value.
	TypeValue ValueType = 0x01
)

// ValueTypeForSeek is used to build a maximal seek key for a user key:
// searching for (userKey, ValueTypeForSeek) with the largest possible
// sequence number lands just before any real entry for that key,
// because TypeValue sorts before TypeDeletion is never an issue here —
// it is simply the largest valid type value.
const ValueTypeForSeek = TypeValue

var (
	// ErrKeyTooSmall is returned when a byte string is too short to hold
	// an internal key trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")
	// ErrInvalidValueType is returned when the trailer's type byte is
	// not one of the recognized ValueType constants.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// IsValueType reports whether t is a value recognized by the engine.
func IsValueType(t ValueType) bool {
	return t == TypeDeletion || t == TypeValue
}

// PackSequenceAndType packs a sequence number and type into the 8-byte
// trailer: sequence occupies the upper 56 bits, type the lower 8.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType is the inverse of PackSequenceAndType.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xFF)
}

// ParsedInternalKey is the decomposed form of an internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

func (p *ParsedInternalKey) String() string {
	return fmt.Sprintf("%q @ %d : %d", p.UserKey, p.Sequence, p.Type)
}

// EncodedLength returns the length of the internal key this would encode to.
func (p *ParsedInternalKey) EncodedLength() int {
	return len(p.UserKey) + NumInternalBytes
}

// AppendInternalKey appends the encoding of key to dst and returns the result.
func AppendInternalKey(dst []byte, key *ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	return encoding.AppendFixed64(dst, PackSequenceAndType(key.Sequence, key.Type))
}

// ParseInternalKey decodes an internal key. It returns an error (but
// still a best-effort result) if the type byte is not recognized, so
// that callers performing WAL or SST recovery can decide for
// themselves whether to treat that as fatal corruption.
func ParseInternalKey(data []byte) (*ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return nil, ErrKeyTooSmall
	}
	packed := encoding.DecodeFixed64(data[n-NumInternalBytes:])
	seq, t := UnpackSequenceAndType(packed)
	result := &ParsedInternalKey{UserKey: data[:n-NumInternalBytes], Sequence: seq, Type: t}
	if !IsValueType(t) {
		return result, ErrInvalidValueType
	}
	return result, nil
}

// ExtractUserKey returns the user-key prefix of an internal key.
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return nil
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// ExtractValueType returns the type byte of an internal key.
func ExtractValueType(internalKey []byte) ValueType {
	if len(internalKey) < NumInternalBytes {
		return TypeDeletion
	}
	n := len(internalKey)
	return ValueType(encoding.DecodeFixed64(internalKey[n-NumInternalBytes:]) & 0xFF)
}

// ExtractSequenceNumber returns the sequence number of an internal key.
func ExtractSequenceNumber(internalKey []byte) SequenceNumber {
	if len(internalKey) < NumInternalBytes {
		return 0
	}
	n := len(internalKey)
	return SequenceNumber(encoding.DecodeFixed64(internalKey[n-NumInternalBytes:]) >> 8)
}

// InternalKey is an encoded internal key.
type InternalKey []byte

// NewInternalKey builds an encoded internal key from its parts.
func NewInternalKey(userKey []byte, seq SequenceNumber, t ValueType) InternalKey {
	return AppendInternalKey(nil, &ParsedInternalKey{UserKey: userKey, Sequence: seq, Type: t})
}

func (k InternalKey) UserKey() []byte          { return ExtractUserKey(k) }
func (k InternalKey) Sequence() SequenceNumber { return ExtractSequenceNumber(k) }
func (k InternalKey) Type() ValueType          { return ExtractValueType(k) }

// Valid reports whether k decodes to a well-formed internal key.
func (k InternalKey) Valid() bool {
	_, err := ParseInternalKey(k)
	return err == nil
}

// Parse decodes k.
func (k InternalKey) Parse() (*ParsedInternalKey, error) {
	return ParseInternalKey(k)
}

// UserComparator compares two user keys. Implementations must be a
// total order consistent with Go's byte-slice ordering semantics for
// the default comparator, but callers may supply any strict weak order.
type UserComparator interface {
	// Name identifies the comparator. It is stored in the first
	// VersionEdit written to a database and is checked on every
	// subsequent open; changing comparators on an existing database
	// is a fatal mismatch.
	Name() string
	// Compare returns <0, 0, >0 as a<b, a==b, a>b.
	Compare(a, b []byte) int
	// FindShortestSeparator may replace *start with a short key that
	// is >= *start and < limit. It is used to keep index-block
	// separator keys small. Implementations that cannot shorten a key
	// safely must leave *start unchanged.
	FindShortestSeparator(start *[]byte, limit []byte)
	// FindShortSuccessor may replace *key with a short key that is
	// >= *key. Used for the final index separator, where there is no
	// upper bound to stay under.
	FindShortSuccessor(key *[]byte)
}

// BytewiseComparator is the default UserComparator: plain lexicographic
// byte-string order.
var BytewiseComparator UserComparator = bytewiseComparator{}

type bytewiseComparator struct{}

func (bytewiseComparator) Name() string         { return "leveldb.BytewiseComparator" }
func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewiseComparator) FindShortestSeparator(start *[]byte, limit []byte) {
	s := *start
	minLen := min(len(s), len(limit))
	diffIndex := 0
	for diffIndex < minLen && s[diffIndex] == limit[diffIndex] {
		diffIndex++
	}
	if diffIndex >= minLen {
		// One is a prefix of the other; no shortening possible.
		return
	}
	b := s[diffIndex]
	if b < 0xff && b+1 < limit[diffIndex] {
		shortened := append([]byte(nil), s[:diffIndex+1]...)
		shortened[diffIndex]++
		if bytes.Compare(shortened, limit) < 0 {
			*start = shortened
		}
	}
}

func (bytewiseComparator) FindShortSuccessor(key *[]byte) {
	k := *key
	for i := range k {
		if k[i] != 0xff {
			shortened := append([]byte(nil), k[:i+1]...)
			shortened[i]++
			*key = shortened
			return
		}
	}
	// Entirely 0xff bytes: leave unchanged, there's no shorter successor.
}

// InternalKeyComparator orders internal keys: by user key ascending
// (via the wrapped UserComparator), then by sequence number descending,
// then by type descending, so that among equal user keys the newest
// entry sorts first.
type InternalKeyComparator struct {
	user UserComparator
}

// NewInternalKeyComparator wraps a UserComparator. A nil user
// comparator defaults to BytewiseComparator.
func NewInternalKeyComparator(user UserComparator) *InternalKeyComparator {
	if user == nil {
		user = BytewiseComparator
	}
	return &InternalKeyComparator{user: user}
}

// DefaultInternalKeyComparator wraps BytewiseComparator.
var DefaultInternalKeyComparator = NewInternalKeyComparator(BytewiseComparator)

func (c *InternalKeyComparator) Name() string { return "lsmkv.InternalKeyComparator:" + c.user.Name() }

// Compare implements the internal key sort order described above.
func (c *InternalKeyComparator) Compare(a, b []byte) int {
	userA, userB := ExtractUserKey(a), ExtractUserKey(b)
	if userA == nil {
		userA = a
	}
	if userB == nil {
		userB = b
	}
	if cmp := c.user.Compare(userA, userB); cmp != 0 {
		return cmp
	}
	if len(a) >= NumInternalBytes && len(b) >= NumInternalBytes {
		trailerA := encoding.DecodeFixed64(a[len(a)-NumInternalBytes:])
		trailerB := encoding.DecodeFixed64(b[len(b)-NumInternalBytes:])
		switch {
		case trailerA > trailerB:
			return -1
		case trailerA < trailerB:
			return 1
		}
	}
	return 0
}

// CompareUserKey compares just the user-key portion of two internal keys.
func (c *InternalKeyComparator) CompareUserKey(a, b []byte) int {
	userA, userB := ExtractUserKey(a), ExtractUserKey(b)
	if userA == nil {
		userA = a
	}
	if userB == nil {
		userB = b
	}
	return c.user.Compare(userA, userB)
}

// User returns the wrapped user comparator.
func (c *InternalKeyComparator) User() UserComparator { return c.user }

// FindShortestSeparator finds a short separator internal key for an
// index block: it shortens the user-key portion of *start (leaving the
// trailer as the largest possible for that shortened key, i.e. a seek
// key) subject to staying within [*start, limit).
func (c *InternalKeyComparator) FindShortestSeparator(start *[]byte, limit []byte) {
	userStart := ExtractUserKey(*start)
	userLimit := ExtractUserKey(limit)
	shortened := append([]byte(nil), userStart...)
	c.user.FindShortestSeparator(&shortened, userLimit)
	if len(shortened) < len(userStart) && c.user.Compare(userStart, shortened) < 0 {
		*start = AppendInternalKey(nil, &ParsedInternalKey{
			UserKey:  shortened,
			Sequence: MaxSequenceNumber,
			Type:     ValueTypeForSeek,
		})
	}
}

// FindShortSuccessor finds a short successor internal key, used for the
// final index-block separator.
func (c *InternalKeyComparator) FindShortSuccessor(key *[]byte) {
	userKey := ExtractUserKey(*key)
	shortened := append([]byte(nil), userKey...)
	c.user.FindShortSuccessor(&shortened)
	if len(shortened) < len(userKey) && c.user.Compare(userKey, shortened) < 0 {
		*key = AppendInternalKey(nil, &ParsedInternalKey{
			UserKey:  shortened,
			Sequence: MaxSequenceNumber,
			Type:     ValueTypeForSeek,
		})
	}
}

// CompareInternalKeys compares two internal keys using the default
// bytewise internal key comparator. Convenience for call sites that
// don't carry a custom comparator through.
func CompareInternalKeys(a, b []byte) int {
	return DefaultInternalKeyComparator.Compare(a, b)
}

// LookupKey is a single allocation holding the varint length prefix,
// the user key, and the lookup tag, from which the memtable key,
// internal key, and user key views are all sliced without copying.
//
// Layout: varint(len(userKey)+8) ‖ userKey ‖ u64_le(seq<<8|type)
type LookupKey struct {
	data []byte
	// keyStart is the offset of the user key (after the varint prefix).
	keyStart int
}

// NewLookupKey builds a LookupKey for looking up userKey as of seq,
// using ValueTypeForSeek so the lookup lands just before any real
// entry for (userKey, <=seq).
func NewLookupKey(userKey []byte, seq SequenceNumber) *LookupKey {
	internalLen := len(userKey) + NumInternalBytes
	buf := make([]byte, 0, encoding.MaxVarint32Length+internalLen)
	buf = encoding.AppendVarint32(buf, uint32(internalLen))
	keyStart := len(buf)
	buf = append(buf, userKey...)
	buf = encoding.AppendFixed64(buf, PackSequenceAndType(seq, ValueTypeForSeek))
	return &LookupKey{data: buf, keyStart: keyStart}
}

// MemtableKey returns the length-prefixed view used as a skip-list key.
func (lk *LookupKey) MemtableKey() []byte { return lk.data }

// InternalKey returns the user-key+trailer view (no length prefix).
func (lk *LookupKey) InternalKey() []byte { return lk.data[lk.keyStart:] }

// UserKey returns just the user-key portion.
func (lk *LookupKey) UserKey() []byte { return lk.data[lk.keyStart : len(lk.data)-NumInternalBytes] }
