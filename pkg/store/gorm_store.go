package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"onereader/pkg/domain"
)

// GormStore implements LocalStore using GORM over the pure-Go SQLite driver.
type GormStore struct {
	db *gorm.DB
}

// MemoryDSN opens a throwaway in-memory database; used by tests.
const MemoryDSN = ":memory:"

// NewGormStore opens (creating directories as needed) the on-device database
// and runs auto-migrations.
func NewGormStore(path string) (*GormStore, error) {
	dsn := path
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&BookModel{},
		&ChapterModel{},
		&ContentModel{},
		&TrimmedContentModel{},
		&ReadingHistoryModel{},
		&TrimStatusModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveBook inserts a book or refreshes its bookkeeping fields. Sync state and
// cloud id are deliberately not part of the update set; those move only
// through PromoteSyncState and ReplaceBookPackage.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "chapter_count", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book by local id.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// GetBookByCloudID looks a book up by its cloud-assigned id.
func (s *GormStore) GetBookByCloudID(cloudID int64) (domain.Book, bool, error) {
	if cloudID <= 0 {
		return domain.Book{}, false, nil
	}
	var model BookModel
	if err := s.db.First(&model, "cloud_id = ?", cloudID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// GetBookByHash looks a book up by its full-text content hash, the natural
// key for detecting already-imported duplicates.
func (s *GormStore) GetBookByHash(contentHash string) (domain.Book, bool, error) {
	if contentHash == "" {
		return domain.Book{}, false, nil
	}
	var model BookModel
	if err := s.db.First(&model, "content_hash = ?", contentHash).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by creation time.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

// UpdateBookMeta refreshes title and chapter count without touching sync
// state or content.
func (s *GormStore) UpdateBookMeta(id, title string, chapterCount int) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if title != "" {
		updates["title"] = title
	}
	if chapterCount > 0 {
		updates["chapter_count"] = chapterCount
	}
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates).Error
}

// PromoteSyncState moves a book forward to SYNCED and attaches its cloud id.
// SYNCED is the only legal target: a book never reverts to LOCAL, and
// CLOUD_ONLY is assigned at insert time only.
func (s *GormStore) PromoteSyncState(id string, state domain.SyncState, cloudID int64) error {
	if state != domain.SyncSynced {
		return fmt.Errorf("sync state only promotes to synced, got %s", state)
	}
	updates := map[string]any{
		"sync_state": int(state),
		"updated_at": time.Now().UTC(),
	}
	if cloudID > 0 {
		updates["cloud_id"] = cloudID
	}
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteBook removes the book and everything scoped to it. Content rows are
// left in place: they are shared across books by hash.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChapterModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ReadingHistoryModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TrimStatusModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// InsertChapters bulk-inserts chapters for a book.
func (s *GormStore) InsertChapters(bookID string, chapters []domain.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	models := make([]ChapterModel, 0, len(chapters))
	for _, ch := range chapters {
		model := chapterToModel(ch)
		model.BookID = bookID
		models = append(models, model)
	}
	return s.db.CreateInBatches(&models, 200).Error
}

// ListChapters returns a book's chapters in reading order.
func (s *GormStore) ListChapters(bookID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.Where("book_id = ?", bookID).Order("ordinal ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chapters := make([]domain.Chapter, 0, len(models))
	for _, m := range models {
		chapters = append(chapters, chapterFromModel(m))
	}
	return chapters, nil
}

// SetChapterCloudID attaches a cloud id to a chapter once it has synced.
func (s *GormStore) SetChapterCloudID(id string, cloudID int64) error {
	return s.db.Model(&ChapterModel{}).Where("id = ?", id).Update("cloud_id", cloudID).Error
}

// SetChapterContentHash replaces a placeholder hash with the real digest once
// the content's md5 is known.
func (s *GormStore) SetChapterContentHash(id, contentHash string) error {
	return s.db.Model(&ChapterModel{}).Where("id = ?", id).Update("content_hash", contentHash).Error
}

// UpsertContent writes a content row once per hash. A second insert with the
// same hash is a no-op: content is a pure function of its key.
func (s *GormStore) UpsertContent(hash, text string) error {
	if hash == "" {
		return fmt.Errorf("content hash required")
	}
	model := ContentModel{Hash: hash, Text: text, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetContent returns the raw chapter text for a hash.
func (s *GormStore) GetContent(hash string) (string, bool, error) {
	var model ContentModel
	if err := s.db.First(&model, "hash = ?", hash).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return model.Text, true, nil
}

// UpsertTrimmed caches a trimmed variant. A (hash, mode) pair is assumed to
// always produce the same trim, so a duplicate write is a no-op.
func (s *GormStore) UpsertTrimmed(hash string, promptID int, text string) error {
	if hash == "" {
		return fmt.Errorf("content hash required")
	}
	model := TrimmedContentModel{Hash: hash, PromptID: promptID, Text: text, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}, {Name: "prompt_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetTrimmed returns a cached trimmed variant.
func (s *GormStore) GetTrimmed(hash string, promptID int) (string, bool, error) {
	var model TrimmedContentModel
	if err := s.db.First(&model, "hash = ? AND prompt_id = ?", hash, promptID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return model.Text, true, nil
}

// GetHistory returns the book's single reading-history row.
func (s *GormStore) GetHistory(bookID string) (domain.ReadingHistory, bool, error) {
	var model ReadingHistoryModel
	if err := s.db.First(&model, "book_id = ?", bookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ReadingHistory{}, false, nil
		}
		return domain.ReadingHistory{}, false, err
	}
	return domain.ReadingHistory{
		BookID:    model.BookID,
		ChapterID: model.ChapterID,
		PromptID:  model.PromptID,
		UpdatedAt: model.UpdatedAt,
	}, true, nil
}

// UpsertHistory writes the book's reading position, keeping exactly one row
// per book.
func (s *GormStore) UpsertHistory(h domain.ReadingHistory) error {
	model := ReadingHistoryModel{
		BookID:    h.BookID,
		ChapterID: h.ChapterID,
		PromptID:  h.PromptID,
		UpdatedAt: h.UpdatedAt,
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chapter_id", "prompt_id", "updated_at"}),
	}).Create(&model).Error
}

// GetTrimStatus returns the last cached trim-status map for a book.
func (s *GormStore) GetTrimStatus(bookID string) (map[string][]int, bool, error) {
	var model TrimStatusModel
	if err := s.db.First(&model, "book_id = ?", bookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var modes map[string][]int
	if err := json.Unmarshal(model.Modes, &modes); err != nil {
		return nil, false, fmt.Errorf("decode trim status: %w", err)
	}
	return modes, true, nil
}

// SaveTrimStatus caches a remote trim-status answer for a book.
func (s *GormStore) SaveTrimStatus(bookID string, modes map[string][]int) error {
	raw, err := json.Marshal(modes)
	if err != nil {
		return fmt.Errorf("encode trim status: %w", err)
	}
	model := TrimStatusModel{BookID: bookID, Modes: datatypes.JSON(raw), UpdatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"modes", "updated_at"}),
	}).Create(&model).Error
}

// CreateBook persists an imported book, its chapters, and their deduplicated
// content in one transaction.
func (s *GormStore) CreateBook(book domain.Book, chapters []domain.Chapter, contents map[string]string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := bookToModel(book)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(chapters) > 0 {
			models := make([]ChapterModel, 0, len(chapters))
			for _, ch := range chapters {
				cm := chapterToModel(ch)
				cm.BookID = book.ID
				models = append(models, cm)
			}
			if err := tx.CreateInBatches(&models, 200).Error; err != nil {
				return err
			}
		}
		return upsertContents(tx, contents)
	})
}

// ReplaceBookPackage installs a downloaded snapshot: delete the book's
// chapters, bulk-insert the package, then flip the book to SYNCED. Any
// failure rolls the whole merge back, leaving the book exactly as it was.
func (s *GormStore) ReplaceBookPackage(bookID string, pkg domain.BookPackage) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var book BookModel
		if err := tx.First(&book, "id = ?", bookID).Error; err != nil {
			return fmt.Errorf("load book: %w", err)
		}
		if err := tx.Delete(&ChapterModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if len(pkg.Chapters) > 0 {
			models := make([]ChapterModel, 0, len(pkg.Chapters))
			for _, ch := range pkg.Chapters {
				cm := chapterToModel(ch)
				cm.BookID = bookID
				models = append(models, cm)
			}
			if err := tx.CreateInBatches(&models, 200).Error; err != nil {
				return err
			}
		}
		if err := upsertContents(tx, pkg.Contents); err != nil {
			return err
		}
		count := pkg.ChapterCount
		if count == 0 {
			count = len(pkg.Chapters)
		}
		return tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"sync_state":    int(domain.SyncSynced),
			"chapter_count": count,
			"updated_at":    time.Now().UTC(),
		}).Error
	})
}

func upsertContents(tx *gorm.DB, contents map[string]string) error {
	for hash, text := range contents {
		if hash == "" {
			return fmt.Errorf("content hash required")
		}
		model := ContentModel{Hash: hash, Text: text, CreatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).Create(&model).Error; err != nil {
			return err
		}
	}
	return nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		CloudID:      b.CloudID,
		Title:        b.Title,
		ContentHash:  b.ContentHash,
		ChapterCount: b.ChapterCount,
		SyncState:    int(b.SyncState),
		OwnerID:      b.OwnerID,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:           m.ID,
		CloudID:      m.CloudID,
		Title:        m.Title,
		ContentHash:  m.ContentHash,
		ChapterCount: m.ChapterCount,
		SyncState:    domain.SyncState(m.SyncState),
		OwnerID:      m.OwnerID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chapterToModel(ch domain.Chapter) ChapterModel {
	return ChapterModel{
		ID:          ch.ID,
		BookID:      ch.BookID,
		CloudID:     ch.CloudID,
		Ordinal:     ch.Index,
		Title:       ch.Title,
		ContentHash: ch.ContentHash,
		WordCount:   ch.WordCount,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		ID:          m.ID,
		BookID:      m.BookID,
		CloudID:     m.CloudID,
		Index:       m.Ordinal,
		Title:       m.Title,
		ContentHash: m.ContentHash,
		WordCount:   m.WordCount,
	}
}
