// Package ingest turns uploaded files into locally stored books: extract
// plain text, run chapter segmentation, and persist the result in one
// transaction.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"onereader/internal/util"
	"onereader/pkg/domain"
	"onereader/pkg/segment"
	"onereader/pkg/store"
)

// ErrNoChapters means segmentation produced nothing displayable. The import
// is rejected rather than storing an unreadable book.
var ErrNoChapters = errors.New("no chapters recognized")

// ErrUnsupportedFormat means the file extension is not one of txt/epub/pdf.
var ErrUnsupportedFormat = errors.New("unsupported file format")

type Importer struct {
	store store.LocalStore
}

func NewImporter(s store.LocalStore) *Importer {
	return &Importer{store: s}
}

// ImportFile imports a book from disk, dispatching on the file extension.
func (im *Importer) ImportFile(path string) (domain.Book, error) {
	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.Book{}, fmt.Errorf("read file: %w", err)
		}
		text = normalizeText(data)
	case ".epub":
		var err error
		if text, err = extractEPUB(path); err != nil {
			return domain.Book{}, err
		}
	case ".pdf":
		var err error
		if text, err = extractPDF(path); err != nil {
			return domain.Book{}, err
		}
	default:
		return domain.Book{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return im.ImportText(text, filepath.Base(path))
}

// ImportText segments and persists already extracted text. Re-importing a
// document with the same content hash returns the existing book unchanged,
// whatever its current sync state.
func (im *Importer) ImportText(text, filename string) (domain.Book, error) {
	res := segment.Split(text, filename)
	if len(res.Chapters) == 0 {
		return domain.Book{}, fmt.Errorf("%w in %s", ErrNoChapters, filename)
	}

	if existing, found, err := im.store.GetBookByHash(res.BookHash); err != nil {
		return domain.Book{}, err
	} else if found {
		slog.Info("duplicate import, reusing book", "book", existing.ID, "title", existing.Title)
		return existing, nil
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:           util.NewID(),
		Title:        res.Title,
		ContentHash:  res.BookHash,
		ChapterCount: len(res.Chapters),
		SyncState:    domain.SyncLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	chapters := make([]domain.Chapter, 0, len(res.Chapters))
	contents := make(map[string]string, len(res.Chapters))
	for _, sc := range res.Chapters {
		chapters = append(chapters, domain.Chapter{
			ID:          util.NewID(),
			BookID:      book.ID,
			Index:       sc.Index,
			Title:       sc.Title,
			ContentHash: sc.ContentHash,
			WordCount:   sc.WordCount,
		})
		contents[sc.ContentHash] = sc.Body
	}
	if err := im.store.CreateBook(book, chapters, contents); err != nil {
		return domain.Book{}, fmt.Errorf("persist book: %w", err)
	}
	slog.Info("book imported", "book", book.ID, "title", book.Title,
		"chapters", book.ChapterCount, "rule", res.RuleName)
	return book, nil
}
