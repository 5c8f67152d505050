package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID           string `gorm:"primaryKey"`
	CloudID      int64  `gorm:"index"`
	Title        string `gorm:"not null"`
	ContentHash  string `gorm:"uniqueIndex;not null"`
	ChapterCount int    `gorm:"not null"`
	SyncState    int    `gorm:"not null"`
	OwnerID      int64
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ChapterModel struct {
	ID          string `gorm:"primaryKey"`
	BookID      string `gorm:"not null;index"`
	CloudID     int64  `gorm:"index"`
	Ordinal     int    `gorm:"not null"`
	Title       string `gorm:"not null"`
	ContentHash string `gorm:"not null;index"`
	WordCount   int
}

// ContentModel deduplicates raw chapter text: many chapters may point at one
// row. Content is a pure function of the hash, so writes are idempotent.
type ContentModel struct {
	Hash      string    `gorm:"primaryKey"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type TrimmedContentModel struct {
	Hash      string    `gorm:"primaryKey"`
	PromptID  int       `gorm:"primaryKey;autoIncrement:false"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type ReadingHistoryModel struct {
	BookID    string `gorm:"primaryKey"`
	ChapterID string
	PromptID  int
	UpdatedAt time.Time `gorm:"not null"`
}

// TrimStatusModel caches the last trim-status answer from the remote side per
// book, so the UI can grey out already-generated modes while offline. Modes
// holds a JSON map of chapter key to mode id list.
type TrimStatusModel struct {
	BookID    string         `gorm:"primaryKey"`
	Modes     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}
