package store

import (
	"onereader/pkg/domain"
)

// LocalStore is the single writer of durable reader state. All mutation of
// books, chapters, content, trims, and history goes through it; the cache
// tiers above it hold only rederivable copies.
type LocalStore interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	GetBookByCloudID(cloudID int64) (domain.Book, bool, error)
	GetBookByHash(contentHash string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	UpdateBookMeta(id, title string, chapterCount int) error
	// PromoteSyncState applies only forward transitions (LOCAL->SYNCED,
	// CLOUD_ONLY->SYNCED) and attaches the cloud id; anything that would
	// regress the state is a no-op.
	PromoteSyncState(id string, state domain.SyncState, cloudID int64) error
	DeleteBook(id string) error

	// chapters
	InsertChapters(bookID string, chapters []domain.Chapter) error
	ListChapters(bookID string) ([]domain.Chapter, error)
	SetChapterCloudID(id string, cloudID int64) error
	SetChapterContentHash(id, contentHash string) error

	// deduplicated chapter text, keyed by content hash
	UpsertContent(hash, text string) error
	GetContent(hash string) (string, bool, error)

	// trimmed variants, keyed by (content hash, trim mode)
	UpsertTrimmed(hash string, promptID int, text string) error
	GetTrimmed(hash string, promptID int) (string, bool, error)

	// reading history, one row per book
	GetHistory(bookID string) (domain.ReadingHistory, bool, error)
	UpsertHistory(domain.ReadingHistory) error

	// cached remote trim-status answers
	GetTrimStatus(bookID string) (map[string][]int, bool, error)
	SaveTrimStatus(bookID string, modes map[string][]int) error

	// CreateBook persists a freshly imported book, its chapters, and their
	// deduplicated content in one transaction.
	CreateBook(book domain.Book, chapters []domain.Chapter, contents map[string]string) error

	// ReplaceBookPackage performs the cloud-only to synced merge: drop the
	// book's chapters, install the package, flip the state. All or nothing.
	ReplaceBookPackage(bookID string, pkg domain.BookPackage) error
}
