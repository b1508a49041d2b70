package checksum

import "github.com/zeebo/xxh3"

// XXH3ChecksumWithLastByte computes a 32-bit block checksum using XXH3-64,
// folding in a trailing byte that is not part of the data buffer itself
// (the block's compression-type byte; see internal/block's trailer format).
func XXH3ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	h := xxh3.Hash(data)
	v := uint32(h)
	const randomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * randomPrime)
}
