// Package hash provides the content digest used as the dedup and cache key
// for book text, chapter text, and trimmed variants.
package hash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// placeholderPrefix marks synthesized keys for chapters whose remote record
// carried no content hash. The prefix keeps them out of the real digest
// keyspace (a hex digest never contains ':').
const placeholderPrefix = "unhashed:"

// Content returns the lowercase hex MD5 of the text's UTF-8 bytes. The same
// digest is used for book-level dedup, chapter content rows, and as half of
// the trimmed-content composite key, so it must stay byte-stable.
func Content(text string) string {
	return ContentBytes([]byte(text))
}

// ContentBytes is Content over raw bytes.
func ContentBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Placeholder synthesizes a locally-unique stand-in key for a remote chapter
// that arrived without a content hash, so the hash-keyed content tables never
// see an empty key. Placeholders are excluded from cross-book dedup: two
// placeholders are equal only for the same book and cloud chapter.
func Placeholder(bookID string, cloudChapterID int64) string {
	return fmt.Sprintf("%s%s:%d", placeholderPrefix, bookID, cloudChapterID)
}

// IsPlaceholder reports whether key was synthesized by Placeholder.
func IsPlaceholder(key string) bool {
	return strings.HasPrefix(key, placeholderPrefix)
}
