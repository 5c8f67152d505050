// Package app is the composition root: it opens the local store, wires the
// cache tiers and the remote gateway, and exposes the operations the HTTP
// layer serves.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"onereader/pkg/cache"
	"onereader/pkg/domain"
	"onereader/pkg/ingest"
	"onereader/pkg/provider"
	"onereader/pkg/remote"
	"onereader/pkg/store"
	"onereader/pkg/syncer"
)

// Config wires required dependencies for the app core.
type Config struct {
	DatabasePath  string
	RedisAddr     string
	RedisPassword string
	RemoteBaseURL string
	RemoteToken   string
	CacheEntries  int
	BatchLimit    int
	Dwell         time.Duration
}

// App owns the long-lived pieces and implements the reader's use cases.
type App struct {
	store      store.LocalStore
	importer   *ingest.Importer
	provider   *provider.Provider
	reconciler *syncer.Reconciler
	tracker    *provider.ProgressTracker
}

func New(cfg Config) (*App, error) {
	s, err := store.NewGormStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken)
	prov, err := provider.New(provider.Config{
		Store:      s,
		Gateway:    client,
		Memory:     cache.NewMemory(cfg.CacheEntries),
		Redis:      cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0),
		BatchLimit: cfg.BatchLimit,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		store:      s,
		importer:   ingest.NewImporter(s),
		provider:   prov,
		reconciler: syncer.New(s, client),
		tracker:    provider.NewProgressTracker(prov, cfg.Dwell),
	}, nil
}

// ImportUpload spools an uploaded file to disk and imports it. EPUB and PDF
// extraction need random access, so even small uploads go through a temp file.
func (a *App) ImportUpload(filename string, r io.Reader, maxBytes int64) (domain.Book, error) {
	dir, err := os.MkdirTemp("", "reader-upload-*")
	if err != nil {
		return domain.Book{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return domain.Book{}, fmt.Errorf("spool upload: %w", err)
	}
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		return domain.Book{}, fmt.Errorf("spool upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return domain.Book{}, fmt.Errorf("upload exceeds %d bytes", maxBytes)
	}
	return a.importer.ImportFile(path)
}

// Shelf returns the merged local and cloud book list.
func (a *App) Shelf(ctx context.Context) ([]domain.Book, error) {
	return a.reconciler.RefreshBooks(ctx)
}

func (a *App) GetBook(id string) (domain.Book, bool, error) {
	return a.store.GetBook(id)
}

func (a *App) DeleteBook(id string) error {
	return a.store.DeleteBook(id)
}

// Open restores a reading session for a book.
func (a *App) Open(ctx context.Context, bookID string) (syncer.OpenResult, error) {
	return a.reconciler.OpenBook(ctx, bookID)
}

// Download makes a cloud-only book fully local.
func (a *App) Download(ctx context.Context, bookID string) error {
	return a.reconciler.DownloadBook(ctx, bookID)
}

// ChapterText resolves displayable text for one chapter in the given trim
// mode. Mode 0 is the original text; a trim mode that does not exist yields
// ok=false rather than an error.
func (a *App) ChapterText(ctx context.Context, bookID, chapterID string, promptID int) (domain.ChapterText, bool, error) {
	book, ch, err := a.lookupChapter(bookID, chapterID)
	if err != nil {
		return domain.ChapterText{}, false, err
	}
	if promptID == domain.OriginalPromptID {
		res := a.provider.ChapterContent(ctx, book, ch)
		return res, res.Cached, nil
	}
	res, found := a.provider.TrimmedContent(ctx, book, ch, promptID)
	return res, found, nil
}

// TrimStatus reports which trim modes exist for the book's chapters.
func (a *App) TrimStatus(ctx context.Context, bookID string) (map[string][]int, error) {
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("book %s not found", bookID)
	}
	chapters, err := a.store.ListChapters(bookID)
	if err != nil {
		return nil, err
	}
	return a.provider.TrimmedStatus(ctx, book, chapters), nil
}

// StreamTrim starts a live trim generation for one chapter.
func (a *App) StreamTrim(ctx context.Context, bookID, chapterID string, promptID int) (*provider.TrimStream, error) {
	book, ch, err := a.lookupChapter(bookID, chapterID)
	if err != nil {
		return nil, err
	}
	return a.provider.StreamTrim(ctx, book, ch, promptID)
}

// ChapterViewed feeds the dwell debouncer; only positions held long enough
// become the recorded progress.
func (a *App) ChapterViewed(bookID, chapterID string, promptID int) error {
	book, ch, err := a.lookupChapter(bookID, chapterID)
	if err != nil {
		return err
	}
	a.tracker.OnChapterViewed(book, ch, promptID)
	return nil
}

// Close flushes the debouncer.
func (a *App) Close() {
	a.tracker.Stop()
}

func (a *App) lookupChapter(bookID, chapterID string) (domain.Book, domain.Chapter, error) {
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, domain.Chapter{}, err
	}
	if !found {
		return domain.Book{}, domain.Chapter{}, fmt.Errorf("book %s not found", bookID)
	}
	chapters, err := a.store.ListChapters(bookID)
	if err != nil {
		return domain.Book{}, domain.Chapter{}, err
	}
	for _, ch := range chapters {
		if ch.ID == chapterID {
			return book, ch, nil
		}
	}
	return domain.Book{}, domain.Chapter{}, fmt.Errorf("chapter %s not found in book %s", chapterID, bookID)
}
