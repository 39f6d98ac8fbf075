// Package shard provides partition key derivation for distributed key-value tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxShards is the largest supported shard count.
const MaxShards = 256

// PartitionKey computes the sharded physical key of an item.
// With numShards=1, all items of a partition go to shard "00".
// With numShards>1, items are distributed across shards based on the item hash.
func PartitionKey(partition, item string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", partition)
	}
	h := fnv.New32a()
	h.Write([]byte(item))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", partition, shard)
}

// All returns the physical keys of every shard of a partition, for fan-out reads.
func All(partition string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	out := make([]string, numShards)
	for i := range out {
		out[i] = fmt.Sprintf("%s#%02x", partition, i)
	}
	return out
}

// Hash computes a fixed-length key for values too long to use directly.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16]) // 128-bit hash as hex
}

// Compact returns s unchanged when it fits in limit bytes and a hash
// otherwise. Hashed keys are prefixed with "h:".
func Compact(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "h:" + Hash(s)
}
