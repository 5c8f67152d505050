package store

import (
	"testing"
	"time"

	"onereader/pkg/domain"
	"onereader/pkg/hash"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(MemoryDSN)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func seedBook(t *testing.T, s *GormStore, state domain.SyncState) domain.Book {
	t.Helper()
	body := "第一章 开端\n风起于青萍之末。"
	book := domain.Book{
		ID:           "book-" + string(rune('a'+int(state))),
		Title:        "测试书",
		ContentHash:  hash.Content(body),
		ChapterCount: 1,
		SyncState:    state,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	chapter := domain.Chapter{
		ID:          book.ID + "-ch0",
		Index:       0,
		Title:       "第一章 开端",
		ContentHash: hash.Content("风起于青萍之末。"),
		WordCount:   8,
	}
	contents := map[string]string{chapter.ContentHash: "风起于青萍之末。"}
	if err := s.CreateBook(book, []domain.Chapter{chapter}, contents); err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func TestContentUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	digest := hash.Content("some chapter body")
	for i := 0; i < 2; i++ {
		if err := s.UpsertContent(digest, "some chapter body"); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	var count int64
	if err := s.db.Model(&ContentModel{}).Where("hash = ?", digest).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one content row, got %d", count)
	}
	text, ok, err := s.GetContent(digest)
	if err != nil || !ok {
		t.Fatalf("get content: ok=%v err=%v", ok, err)
	}
	if text != "some chapter body" {
		t.Fatalf("content round-trip mismatch: %q", text)
	}
}

func TestTrimmedUpsertKeyedByHashAndMode(t *testing.T) {
	s := newTestStore(t)
	digest := hash.Content("original body")
	if err := s.UpsertTrimmed(digest, 3, "short version"); err != nil {
		t.Fatalf("upsert trimmed: %v", err)
	}
	if err := s.UpsertTrimmed(digest, 5, "другая версия"); err != nil {
		t.Fatalf("upsert trimmed mode 5: %v", err)
	}
	text, ok, err := s.GetTrimmed(digest, 3)
	if err != nil || !ok || text != "short version" {
		t.Fatalf("mode 3: text=%q ok=%v err=%v", text, ok, err)
	}
	if _, ok, _ := s.GetTrimmed(digest, 9); ok {
		t.Fatalf("mode 9 should be absent")
	}
}

func TestSaveBookNeverTouchesSyncState(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncLocal)

	if err := s.PromoteSyncState(book.ID, domain.SyncSynced, 77); err != nil {
		t.Fatalf("promote: %v", err)
	}
	// A bookkeeping save must not regress state or detach the cloud id.
	book.SyncState = domain.SyncLocal
	book.CloudID = 0
	book.Title = "改名"
	if err := s.SaveBook(book); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetBook(book.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SyncState != domain.SyncSynced {
		t.Fatalf("sync state regressed to %s", got.SyncState)
	}
	if got.CloudID != 77 {
		t.Fatalf("cloud id lost, got %d", got.CloudID)
	}
	if got.Title != "改名" {
		t.Fatalf("title not updated: %q", got.Title)
	}
}

func TestPromoteRejectsRegression(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncCloudOnly)
	if err := s.PromoteSyncState(book.ID, domain.SyncLocal, 0); err == nil {
		t.Fatalf("expected promotion to local to be rejected")
	}
	got, _, _ := s.GetBook(book.ID)
	if got.SyncState != domain.SyncCloudOnly {
		t.Fatalf("state changed to %s", got.SyncState)
	}
}

func TestReplaceBookPackageRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncCloudOnly)
	before, err := s.ListChapters(book.ID)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}

	// Duplicate primary keys make the bulk insert fail mid-transaction.
	bad := domain.BookPackage{
		Chapters: []domain.Chapter{
			{ID: "dup", Index: 0, Title: "第一章", ContentHash: hash.Content("a")},
			{ID: "dup", Index: 1, Title: "第二章", ContentHash: hash.Content("b")},
		},
		Contents: map[string]string{hash.Content("a"): "a", hash.Content("b"): "b"},
	}
	if err := s.ReplaceBookPackage(book.ID, bad); err == nil {
		t.Fatalf("expected merge to fail")
	}

	after, err := s.ListChapters(book.ID)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatalf("chapters changed despite rollback: before=%v after=%v", before, after)
	}
	got, _, _ := s.GetBook(book.ID)
	if got.SyncState != domain.SyncCloudOnly {
		t.Fatalf("sync state changed despite rollback: %s", got.SyncState)
	}
}

func TestReplaceBookPackageFlipsToSynced(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncCloudOnly)
	pkg := domain.BookPackage{
		Chapters: []domain.Chapter{
			{ID: "n1", Index: 0, Title: "第一章", CloudID: 11, ContentHash: hash.Content("one")},
			{ID: "n2", Index: 1, Title: "第二章", CloudID: 12, ContentHash: hash.Content("two")},
		},
		Contents: map[string]string{
			hash.Content("one"): "one",
			hash.Content("two"): "two",
		},
	}
	if err := s.ReplaceBookPackage(book.ID, pkg); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, _, _ := s.GetBook(book.ID)
	if got.SyncState != domain.SyncSynced {
		t.Fatalf("expected synced, got %s", got.SyncState)
	}
	if got.ChapterCount != 2 {
		t.Fatalf("chapter count = %d", got.ChapterCount)
	}
	chapters, _ := s.ListChapters(book.ID)
	if len(chapters) != 2 || chapters[0].CloudID != 11 {
		t.Fatalf("unexpected chapters after merge: %v", chapters)
	}
}

func TestHistoryUpsertKeepsOneRow(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncLocal)
	first := domain.ReadingHistory{BookID: book.ID, ChapterID: "c1", PromptID: 0, UpdatedAt: time.Unix(100, 0)}
	second := domain.ReadingHistory{BookID: book.ID, ChapterID: "c2", PromptID: 4, UpdatedAt: time.Unix(200, 0)}
	if err := s.UpsertHistory(first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertHistory(second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	var count int64
	if err := s.db.Model(&ReadingHistoryModel{}).Where("book_id = ?", book.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one history row, got %d", count)
	}
	got, ok, err := s.GetHistory(book.ID)
	if err != nil || !ok {
		t.Fatalf("get history: ok=%v err=%v", ok, err)
	}
	if got.ChapterID != "c2" || got.PromptID != 4 {
		t.Fatalf("history not replaced: %+v", got)
	}
}

func TestTrimStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncSynced)
	modes := map[string][]int{
		"abc123": {1, 3},
		"def456": {2},
	}
	if err := s.SaveTrimStatus(book.ID, modes); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetTrimStatus(book.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || len(got["abc123"]) != 2 || got["def456"][0] != 2 {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestGetBookByHashFindsImport(t *testing.T) {
	s := newTestStore(t)
	book := seedBook(t, s, domain.SyncLocal)
	got, ok, err := s.GetBookByHash(book.ContentHash)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if got.ID != book.ID {
		t.Fatalf("wrong book: %s", got.ID)
	}
	if _, ok, _ := s.GetBookByHash("no-such-hash"); ok {
		t.Fatalf("unexpected hit for unknown hash")
	}
}
