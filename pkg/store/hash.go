package store

import (
	"github.com/cespare/xxhash/v2"
)

// Hashable is implemented by key types that choose their own hash. Keys
// that compare equal must return the same hash.
type Hashable interface {
	HashCode() int32
}

// HashBytes folds the 64-bit xxhash of data into 32 bits
func HashBytes(data []byte) int32 {
	sum := xxhash.Sum64(data)
	return int32(uint32(sum>>32) ^ uint32(sum))
}

// hashKey uses the key's own hash when it has one and hashes its encoded
// bytes otherwise
func hashKey(key any, encoded []byte) int32 {
	if h, ok := key.(Hashable); ok {
		return h.HashCode()
	}
	return HashBytes(encoded)
}

// ShardFor maps a hash onto one of n shards as |hash mod n|
func ShardFor(hash int32, n int) int {
	shard := int(hash) % n
	if shard < 0 {
		shard = -shard
	}
	return shard
}
