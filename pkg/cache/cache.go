// Package cache holds the two fast tiers layered above the local store: a
// capped in-process LRU and an optional redis key-value tier. Both are pure
// read-through caches; everything in them can be rederived from the store or
// the network, so eviction and loss are always safe.
package cache

import (
	"fmt"
)

// Key helpers. Content and trimmed entries share one keyspace, namespaced so
// a content hash can never alias a trim entry.

func ContentKey(hash string) string {
	return "reader:content:" + hash
}

func TrimKey(hash string, promptID int) string {
	return fmt.Sprintf("reader:trim:%s:%d", hash, promptID)
}
