// Package syncer reconciles the local shelf with the cloud account: shelf
// refresh, lazy chapter backfill for cloud-only books, opening position
// reconciliation, and full-package download.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"onereader/internal/util"
	"onereader/pkg/domain"
	"onereader/pkg/hash"
	"onereader/pkg/remote"
	"onereader/pkg/store"
)

// Gateway is the slice of the remote client the reconciler needs.
type Gateway interface {
	ListBooks(ctx context.Context) ([]remote.Book, error)
	BookDetail(ctx context.Context, cloudBookID int64) (remote.BookDetail, error)
	BookPackage(ctx context.Context, cloudBookID int64) (remote.BookPackage, error)
	BatchChapterContents(ctx context.Context, ids []int64) ([]remote.ChapterContent, error)
	ReadingHistory(ctx context.Context, cloudBookID int64) (remote.History, bool, error)
	TrimStatusByMD5(ctx context.Context, md5s []string) (map[string][]int, error)
	TrimStatusByID(ctx context.Context, cloudBookID int64) (map[int64][]int, error)
}

const downloadBatch = 10

// Reconciler drives all shelf-level sync. It never regresses a book's sync
// state and it never blocks reading on the network: every remote failure
// degrades to whatever the local store already knows.
type Reconciler struct {
	store   store.LocalStore
	gateway Gateway
}

func New(s store.LocalStore, g Gateway) *Reconciler {
	return &Reconciler{store: s, gateway: g}
}

// RefreshBooks pulls the cloud shelf and merges it into the local one.
// A cloud book matching a local one by cloud id or by content hash promotes
// the local book to SYNCED; an unmatched cloud book appears as a CLOUD_ONLY
// placeholder; purely local books are untouched. Returns the merged shelf.
func (r *Reconciler) RefreshBooks(ctx context.Context) ([]domain.Book, error) {
	cloud, err := r.gateway.ListBooks(ctx)
	if err != nil {
		slog.Warn("shelf refresh failed, serving local shelf", "err", err)
		return r.store.ListBooks()
	}
	for _, rb := range cloud {
		if err := r.mergeCloudBook(rb); err != nil {
			slog.Warn("cloud book merge failed", "cloudID", rb.ID, "err", err)
		}
	}
	return r.store.ListBooks()
}

func (r *Reconciler) mergeCloudBook(rb remote.Book) error {
	local, found, err := r.store.GetBookByCloudID(rb.ID)
	if err != nil {
		return err
	}
	if !found && rb.BookMD5 != "" {
		// a locally imported copy of the same text gets adopted by hash
		local, found, err = r.store.GetBookByHash(rb.BookMD5)
		if err != nil {
			return err
		}
	}
	if !found {
		id := util.NewID()
		bookHash := rb.BookMD5
		if bookHash == "" {
			// the book hash column is unique, blank md5s need a stand-in
			bookHash = hash.Placeholder(id, rb.ID)
		}
		now := time.Now().UTC()
		return r.store.SaveBook(domain.Book{
			ID:           id,
			CloudID:      rb.ID,
			Title:        rb.Title,
			ContentHash:  bookHash,
			ChapterCount: rb.ChapterCount,
			SyncState:    domain.SyncCloudOnly,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if local.SyncState == domain.SyncLocal {
		if err := r.store.PromoteSyncState(local.ID, domain.SyncSynced, rb.ID); err != nil {
			return err
		}
	}
	// cloud metadata wins for title and count, state stays monotonic
	return r.store.UpdateBookMeta(local.ID, rb.Title, rb.ChapterCount)
}

// EnsureChapters returns the book's chapter list, fetching it from the cloud
// the first time a CLOUD_ONLY book is opened. A remote chapter with a blank
// md5 gets a placeholder hash so it still has a cache key; the real hash
// arrives with the content later.
func (r *Reconciler) EnsureChapters(ctx context.Context, book domain.Book) ([]domain.Chapter, error) {
	chapters, err := r.store.ListChapters(book.ID)
	if err != nil {
		return nil, err
	}
	if len(chapters) > 0 {
		return chapters, nil
	}
	if book.CloudID <= 0 {
		return nil, fmt.Errorf("book %s has no chapters and no cloud source", book.ID)
	}
	detail, err := r.gateway.BookDetail(ctx, book.CloudID)
	if err != nil {
		return nil, fmt.Errorf("fetch chapter list: %w", err)
	}
	chapters = make([]domain.Chapter, 0, len(detail.Chapters))
	for _, rc := range detail.Chapters {
		ch := domain.Chapter{
			ID:          util.NewID(),
			BookID:      book.ID,
			CloudID:     rc.ID,
			Index:       rc.Index,
			Title:       rc.Title,
			ContentHash: rc.MD5,
			WordCount:   rc.WordCount,
		}
		if ch.ContentHash == "" {
			ch.ContentHash = hash.Placeholder(book.ID, rc.ID)
			slog.Warn("cloud chapter missing md5, using placeholder", "book", book.ID, "chapter", rc.ID)
		}
		chapters = append(chapters, ch)
	}
	if err := r.store.InsertChapters(book.ID, chapters); err != nil {
		return nil, err
	}
	if detail.Book.ChapterCount != book.ChapterCount || detail.Book.Title != book.Title {
		if err := r.store.UpdateBookMeta(book.ID, detail.Book.Title, detail.Book.ChapterCount); err != nil {
			slog.Warn("book meta update failed", "book", book.ID, "err", err)
		}
	}
	return chapters, nil
}

// OpenResult is everything the reader view needs to restore a session.
type OpenResult struct {
	Book     domain.Book      `json:"book"`
	Chapters []domain.Chapter `json:"chapters"`
	// ChapterIndex is the position to open at, 0 when nothing usable survives.
	ChapterIndex int `json:"chapterIndex"`
	PromptID     int `json:"promptId"`
	// Notice carries a user-facing degradation message, empty when clean.
	Notice string `json:"notice,omitempty"`
}

// OpenBook resolves where to resume reading. Local and remote history are
// compared by timestamp and the newer one wins; a position pointing at a
// chapter that no longer exists falls back to the beginning, and a trim mode
// the chapter does not have falls back to the original text with a notice.
func (r *Reconciler) OpenBook(ctx context.Context, bookID string) (OpenResult, error) {
	book, found, err := r.store.GetBook(bookID)
	if err != nil {
		return OpenResult{}, err
	}
	if !found {
		return OpenResult{}, fmt.Errorf("book %s not found", bookID)
	}
	chapters, err := r.EnsureChapters(ctx, book)
	if err != nil {
		return OpenResult{}, err
	}
	res := OpenResult{Book: book, Chapters: chapters}

	local, hasLocal, err := r.store.GetHistory(bookID)
	if err != nil {
		return OpenResult{}, err
	}
	history, hasHistory := local, hasLocal
	if book.CloudID > 0 {
		if cloudHist, ok, err := r.gateway.ReadingHistory(ctx, book.CloudID); err != nil {
			slog.Warn("cloud history fetch failed", "book", bookID, "err", err)
		} else if ok {
			cloudAt := time.Unix(cloudHist.UpdatedAt, 0).UTC()
			if !hasLocal || cloudAt.After(local.UpdatedAt) {
				history = r.adoptCloudHistory(bookID, chapters, cloudHist, cloudAt)
				hasHistory = true
			}
		}
	}
	if !hasHistory {
		return res, nil
	}

	idx, ok := chapterIndexByID(chapters, history.ChapterID)
	if !ok {
		res.Notice = "上次阅读的章节已不存在，已回到开头"
		return res, nil
	}
	res.ChapterIndex = idx
	res.PromptID = history.PromptID
	if history.PromptID != domain.OriginalPromptID {
		if !r.trimModeAvailable(ctx, book, chapters[idx], history.PromptID) {
			res.PromptID = domain.OriginalPromptID
			res.Notice = "该章节暂无上次使用的精简模式，已切换为原文"
		}
	}
	return res, nil
}

// adoptCloudHistory maps a cloud position onto local chapter ids and persists
// it so the next open is purely local. A cloud position pointing at a chapter
// this device does not know still wins; its blank chapter id resolves to the
// start of the book downstream.
func (r *Reconciler) adoptCloudHistory(bookID string, chapters []domain.Chapter, h remote.History, at time.Time) domain.ReadingHistory {
	merged := domain.ReadingHistory{
		BookID:    bookID,
		PromptID:  h.PromptID,
		UpdatedAt: at,
	}
	for _, ch := range chapters {
		if ch.CloudID == h.ChapterID && ch.CloudID != 0 {
			merged.ChapterID = ch.ID
			if err := r.store.UpsertHistory(merged); err != nil {
				slog.Warn("history merge write failed", "book", bookID, "err", err)
			}
			return merged
		}
	}
	return merged
}

func (r *Reconciler) trimModeAvailable(ctx context.Context, book domain.Book, ch domain.Chapter, promptID int) bool {
	if _, ok, err := r.store.GetTrimmed(ch.ContentHash, promptID); err == nil && ok {
		return true
	}
	status, ok, err := r.store.GetTrimStatus(book.ID)
	if err != nil || !ok {
		var remoteErr error
		status, remoteErr = r.fetchTrimStatus(ctx, book, ch)
		if remoteErr != nil {
			slog.Warn("trim status check failed, assuming unavailable", "book", book.ID, "err", remoteErr)
			return false
		}
	}
	key := ch.ContentHash
	if book.SyncState != domain.SyncSynced {
		key = fmt.Sprintf("%d", ch.CloudID)
	}
	for _, mode := range status[key] {
		if mode == promptID {
			return true
		}
	}
	return false
}

func (r *Reconciler) fetchTrimStatus(ctx context.Context, book domain.Book, ch domain.Chapter) (map[string][]int, error) {
	if book.SyncState == domain.SyncSynced {
		return r.gateway.TrimStatusByMD5(ctx, []string{ch.ContentHash})
	}
	if book.CloudID <= 0 {
		return map[string][]int{}, nil
	}
	byID, err := r.gateway.TrimStatusByID(ctx, book.CloudID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int, len(byID))
	for id, modes := range byID {
		out[fmt.Sprintf("%d", id)] = modes
	}
	return out, nil
}

// DownloadBook turns a CLOUD_ONLY book into a full local copy: fetch the
// package, install it atomically, then backfill any content bodies the
// package omitted, ten chapters per request, concurrently.
func (r *Reconciler) DownloadBook(ctx context.Context, bookID string) error {
	book, found, err := r.store.GetBook(bookID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("book %s not found", bookID)
	}
	if book.CloudID <= 0 {
		return fmt.Errorf("book %s has no cloud copy", bookID)
	}
	pkg, err := r.gateway.BookPackage(ctx, book.CloudID)
	if err != nil {
		return fmt.Errorf("fetch package: %w", err)
	}

	existing, err := r.store.ListChapters(bookID)
	if err != nil {
		return err
	}
	idByCloud := make(map[int64]string, len(existing))
	for _, ch := range existing {
		idByCloud[ch.CloudID] = ch.ID
	}

	chapters := make([]domain.Chapter, 0, len(pkg.Chapters))
	var missing []domain.Chapter
	for _, rc := range pkg.Chapters {
		ch := domain.Chapter{
			ID:          idByCloud[rc.ID],
			BookID:      bookID,
			CloudID:     rc.ID,
			Index:       rc.Index,
			Title:       rc.Title,
			ContentHash: rc.MD5,
			WordCount:   rc.WordCount,
		}
		if ch.ID == "" {
			ch.ID = util.NewID()
		}
		if ch.ContentHash == "" {
			ch.ContentHash = hash.Placeholder(bookID, rc.ID)
		}
		chapters = append(chapters, ch)
		if _, ok := pkg.Contents[rc.MD5]; !ok {
			missing = append(missing, ch)
		}
	}
	bundle := domain.BookPackage{
		Chapters:     chapters,
		Contents:     pkg.Contents,
		ChapterCount: len(chapters),
	}
	if err := r.store.ReplaceBookPackage(bookID, bundle); err != nil {
		return fmt.Errorf("install package: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	return r.backfillContents(ctx, bookID, missing)
}

// backfillContents fetches omitted bodies in fixed-size batches with bounded
// concurrency. A failed batch fails the backfill but the installed package
// stays usable.
func (r *Reconciler) backfillContents(ctx context.Context, bookID string, missing []domain.Chapter) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(missing); start += downloadBatch {
		batch := missing[start:min(start+downloadBatch, len(missing))]
		g.Go(func() error {
			ids := make([]int64, 0, len(batch))
			byID := make(map[int64]domain.Chapter, len(batch))
			for _, ch := range batch {
				if ch.CloudID > 0 {
					ids = append(ids, ch.CloudID)
					byID[ch.CloudID] = ch
				}
			}
			if len(ids) == 0 {
				return nil
			}
			results, err := r.gateway.BatchChapterContents(ctx, ids)
			if err != nil {
				return fmt.Errorf("backfill book %s: %w", bookID, err)
			}
			for _, res := range results {
				if res.Content == "" {
					continue
				}
				h := res.ChapterMD5
				if h == "" {
					h = byID[res.ChapterID].ContentHash
				}
				if err := r.store.UpsertContent(h, res.Content); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func chapterIndexByID(chapters []domain.Chapter, id string) (int, bool) {
	for i, ch := range chapters {
		if ch.ID == id {
			return i, true
		}
	}
	return 0, false
}
