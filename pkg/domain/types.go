package domain

import "time"

// SyncState classifies where a book's authoritative content currently lives.
type SyncState int

const (
	// SyncLocal: imported on this device, never uploaded. No cloud id.
	SyncLocal SyncState = 0
	// SyncSynced: present both locally and on the cloud.
	SyncSynced SyncState = 1
	// SyncCloudOnly: discovered remotely; chapters and content are fetched lazily.
	SyncCloudOnly SyncState = 2
)

func (s SyncState) String() string {
	switch s {
	case SyncLocal:
		return "local"
	case SyncSynced:
		return "synced"
	case SyncCloudOnly:
		return "cloud_only"
	default:
		return "unknown"
	}
}

// CacheTier names the layer a piece of content was resolved from.
type CacheTier string

const (
	TierMemory  CacheTier = "memory"
	TierRedis   CacheTier = "redis"
	TierSQLite  CacheTier = "sqlite"
	TierNetwork CacheTier = "network"
)

// OriginalPromptID is the trim mode meaning "the untrimmed chapter text".
const OriginalPromptID = 0

type Book struct {
	ID           string    `json:"id"`
	CloudID      int64     `json:"cloudId,omitempty"`
	Title        string    `json:"title"`
	ContentHash  string    `json:"contentHash"`
	ChapterCount int       `json:"chapterCount"`
	SyncState    SyncState `json:"syncState"`
	OwnerID      int64     `json:"ownerId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Chapter struct {
	ID          string `json:"id"`
	BookID      string `json:"bookId"`
	CloudID     int64  `json:"cloudId,omitempty"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	ContentHash string `json:"contentHash"`
	WordCount   int    `json:"wordCount"`
}

// ReadingHistory is the single per-book progress row. PromptID 0 means the
// reader was on the original text, any other value names a trim mode.
type ReadingHistory struct {
	BookID    string    `json:"bookId"`
	ChapterID string    `json:"chapterId"`
	PromptID  int       `json:"promptId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChapterText is a resolved piece of displayable text plus the tier it came
// from. Cached is false only when every tier missed.
type ChapterText struct {
	Text   string    `json:"text"`
	Tier   CacheTier `json:"tier"`
	Cached bool      `json:"cached"`
}

// BookPackage is a full offline snapshot of a cloud book: the chapter list
// plus the deduplicated content rows keyed by chapter hash.
type BookPackage struct {
	Chapters     []Chapter
	Contents     map[string]string
	ChapterCount int
}

// Addressing tags how a batch remote call identifies chapters. Exactly one of
// the two forms is used per call; the remote endpoints are distinct and the
// schemes are never mixed.
type Addressing interface {
	isAddressing()
}

// ByContentHash addresses chapters by their content digest. Valid for books in
// SyncSynced state, where local content exists independent of any cloud id.
type ByContentHash struct {
	Hashes []string
}

// ByCloudID addresses chapters by their cloud-assigned numeric ids.
type ByCloudID struct {
	IDs []int64
}

func (ByContentHash) isAddressing() {}
func (ByCloudID) isAddressing()     {}
