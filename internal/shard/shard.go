// Package shard maps rollup keys onto a fixed set of single-writer
// workers. Both aggregator tiers route through it so a key always
// lands on the same owner.
package shard

import "github.com/cespare/xxhash/v2"

// Index returns the shard owning key among n shards.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
