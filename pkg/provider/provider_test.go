package provider

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"onereader/pkg/cache"
	"onereader/pkg/domain"
	"onereader/pkg/hash"
	"onereader/pkg/remote"
	"onereader/pkg/store"
)

type fakeGateway struct {
	mu           sync.Mutex
	contents     map[int64]remote.ChapterContent
	contentCalls [][]int64
	contentErr   error
	trims        []remote.TrimResult
	trimAddrs    []domain.Addressing
	trimErr      error
	statusByMD5  map[string][]int
	statusByID   map[int64][]int
	statusErr    error
	progressCh   chan remote.ProgressUpdate
	stream       remote.EventStream
	streamErr    error
}

func (g *fakeGateway) BatchChapterContents(_ context.Context, ids []int64) ([]remote.ChapterContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contentCalls = append(g.contentCalls, ids)
	if g.contentErr != nil {
		return nil, g.contentErr
	}
	var out []remote.ChapterContent
	for _, id := range ids {
		if c, ok := g.contents[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (g *fakeGateway) BatchTrims(_ context.Context, addr domain.Addressing, _ int) ([]remote.TrimResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trimAddrs = append(g.trimAddrs, addr)
	if g.trimErr != nil {
		return nil, g.trimErr
	}
	return g.trims, nil
}

func (g *fakeGateway) TrimStatusByMD5(_ context.Context, _ []string) (map[string][]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusByMD5, nil
}

func (g *fakeGateway) TrimStatusByID(_ context.Context, _ int64) (map[int64][]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusByID, nil
}

func (g *fakeGateway) UpdateProgress(_ context.Context, update remote.ProgressUpdate) error {
	if g.progressCh != nil {
		g.progressCh <- update
	}
	return nil
}

func (g *fakeGateway) OpenTrimStream(_ context.Context, _ remote.TrimStreamRequest) (remote.EventStream, error) {
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return g.stream, nil
}

func (g *fakeGateway) contentCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.contentCalls)
}

func newTestProvider(t *testing.T, gw *fakeGateway) (*Provider, store.LocalStore) {
	t.Helper()
	s, err := store.NewGormStore(store.MemoryDSN)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p, err := New(Config{Store: s, Gateway: gw, Memory: cache.NewMemory(16)})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p, s
}

func cloudChapter(id int64, text string) domain.Chapter {
	return domain.Chapter{
		ID:          fmt.Sprintf("ch-%d", id),
		BookID:      "b1",
		CloudID:     id,
		ContentHash: hash.Content(text),
	}
}

func TestChapterContentTierWalk(t *testing.T) {
	ch := cloudChapter(7, "正文内容")
	gw := &fakeGateway{contents: map[int64]remote.ChapterContent{
		7: {ChapterID: 7, ChapterMD5: ch.ContentHash, Content: "正文内容"},
	}}
	p, s := newTestProvider(t, gw)
	book := domain.Book{ID: "b1", CloudID: 3, SyncState: domain.SyncSynced}

	res := p.ChapterContent(context.Background(), book, ch)
	if !res.Cached || res.Tier != domain.TierNetwork || res.Text != "正文内容" {
		t.Fatalf("first read = %+v, want network hit", res)
	}

	res = p.ChapterContent(context.Background(), book, ch)
	if res.Tier != domain.TierMemory {
		t.Fatalf("second read tier = %v, want memory", res.Tier)
	}

	// fresh provider over the same store sees the backfilled row
	p2, err := New(Config{Store: s, Gateway: gw, Memory: cache.NewMemory(16)})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	res = p2.ChapterContent(context.Background(), book, ch)
	if res.Tier != domain.TierSQLite {
		t.Fatalf("fresh provider tier = %v, want sqlite", res.Tier)
	}
	if gw.contentCallCount() != 1 {
		t.Fatalf("remote calls = %d, want 1", gw.contentCallCount())
	}
}

func TestChapterContentAdoptsRealHashForPlaceholder(t *testing.T) {
	text := "占位章节正文"
	realMD5 := hash.Content(text)
	ch := domain.Chapter{
		ID:          "ch-7",
		BookID:      "b1",
		CloudID:     7,
		ContentHash: hash.Placeholder("b1", 7),
	}
	gw := &fakeGateway{contents: map[int64]remote.ChapterContent{
		7: {ChapterID: 7, ChapterMD5: realMD5, Content: text},
	}}
	p, s := newTestProvider(t, gw)
	if err := s.SaveBook(domain.Book{ID: "b1", CloudID: 3, SyncState: domain.SyncCloudOnly}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	if err := s.InsertChapters("b1", []domain.Chapter{ch}); err != nil {
		t.Fatalf("seed chapter: %v", err)
	}
	book := domain.Book{ID: "b1", CloudID: 3, SyncState: domain.SyncCloudOnly}

	if res := p.ChapterContent(context.Background(), book, ch); res.Tier != domain.TierNetwork || !res.Cached {
		t.Fatalf("first read = %+v, want network hit", res)
	}

	// the same stale chapter struct must now resolve locally
	res := p.ChapterContent(context.Background(), book, ch)
	if res.Tier == domain.TierNetwork || !res.Cached || res.Text != text {
		t.Fatalf("second read = %+v, want local hit", res)
	}
	if gw.contentCallCount() != 1 {
		t.Fatalf("remote calls = %d, want 1", gw.contentCallCount())
	}

	// the chapter row adopted the real digest
	chapters, err := s.ListChapters("b1")
	if err != nil || len(chapters) != 1 {
		t.Fatalf("list chapters: (%d, %v)", len(chapters), err)
	}
	if chapters[0].ContentHash != realMD5 {
		t.Fatalf("chapter hash = %q, want real md5 %q", chapters[0].ContentHash, realMD5)
	}
	if _, ok, err := s.GetContent(realMD5); err != nil || !ok {
		t.Fatalf("content not stored under real md5: (%v, %v)", ok, err)
	}
}

func TestChapterContentRedisTier(t *testing.T) {
	srv := miniredis.RunT(t)
	redisTier := cache.NewRedisWithClient(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}), time.Hour)

	ch := cloudChapter(9, "缓存层文本")
	gw := &fakeGateway{contents: map[int64]remote.ChapterContent{
		9: {ChapterID: 9, ChapterMD5: ch.ContentHash, Content: "缓存层文本"},
	}}
	s, err := store.NewGormStore(store.MemoryDSN)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p, err := New(Config{Store: s, Gateway: gw, Memory: cache.NewMemory(16), Redis: redisTier})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	book := domain.Book{ID: "b1", SyncState: domain.SyncSynced}
	if res := p.ChapterContent(context.Background(), book, ch); res.Tier != domain.TierNetwork {
		t.Fatalf("first read tier = %v, want network", res.Tier)
	}

	// new memory, new store, same redis: the redis tier answers
	empty, err := store.NewGormStore(store.MemoryDSN)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p2, err := New(Config{Store: empty, Gateway: gw, Memory: cache.NewMemory(16), Redis: redisTier})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	res := p2.ChapterContent(context.Background(), book, ch)
	if res.Tier != domain.TierRedis || res.Text != "缓存层文本" {
		t.Fatalf("redis read = %+v, want redis hit", res)
	}
}

func TestBatchPreservesOrderAndCoalescesFetch(t *testing.T) {
	local := cloudChapter(1, "本地章节")
	missA := cloudChapter(2, "云端甲")
	missB := cloudChapter(3, "云端乙")
	gw := &fakeGateway{contents: map[int64]remote.ChapterContent{
		2: {ChapterID: 2, ChapterMD5: missA.ContentHash, Content: "云端甲"},
		3: {ChapterID: 3, ChapterMD5: missB.ContentHash, Content: "云端乙"},
	}}
	p, s := newTestProvider(t, gw)
	if err := s.UpsertContent(local.ContentHash, "本地章节"); err != nil {
		t.Fatalf("seed content: %v", err)
	}

	book := domain.Book{ID: "b1", SyncState: domain.SyncSynced}
	results, err := p.BatchChapterContents(context.Background(), book, []domain.Chapter{missA, local, missB})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := []string{"云端甲", "本地章节", "云端乙"}
	for i, w := range want {
		if results[i].Text != w {
			t.Fatalf("results[%d].Text = %q, want %q", i, results[i].Text, w)
		}
	}
	if results[1].Tier != domain.TierSQLite {
		t.Fatalf("local hit tier = %v, want sqlite", results[1].Tier)
	}
	if gw.contentCallCount() != 1 {
		t.Fatalf("remote calls = %d, want 1", gw.contentCallCount())
	}
	if got := gw.contentCalls[0]; len(got) != 2 {
		t.Fatalf("remote ids = %v, want the two misses only", got)
	}
}

func TestBatchOverLimitRejected(t *testing.T) {
	p, _ := newTestProvider(t, &fakeGateway{})
	chapters := make([]domain.Chapter, DefaultBatchLimit+1)
	for i := range chapters {
		chapters[i] = cloudChapter(int64(i+1), fmt.Sprintf("第%d章", i+1))
	}
	if _, err := p.BatchChapterContents(context.Background(), domain.Book{ID: "b1"}, chapters); err == nil {
		t.Fatal("expected batch limit error")
	}
}

func TestBatchDegradesWhenRemoteDown(t *testing.T) {
	local := cloudChapter(1, "离线可读")
	miss := cloudChapter(2, "取不到")
	gw := &fakeGateway{contentErr: fmt.Errorf("connection refused")}
	p, s := newTestProvider(t, gw)
	if err := s.UpsertContent(local.ContentHash, "离线可读"); err != nil {
		t.Fatalf("seed content: %v", err)
	}
	results, err := p.BatchChapterContents(context.Background(), domain.Book{ID: "b1"}, []domain.Chapter{local, miss})
	if err != nil {
		t.Fatalf("batch should absorb remote failure, got %v", err)
	}
	if !results[0].Cached || results[0].Text != "离线可读" {
		t.Fatalf("local hit lost: %+v", results[0])
	}
	if results[1].Cached || results[1].Text != "" || results[1].Tier != domain.TierNetwork {
		t.Fatalf("miss should be empty network result, got %+v", results[1])
	}
}

func TestTrimmedContentAddressing(t *testing.T) {
	ch := cloudChapter(4, "待精简")
	gw := &fakeGateway{trims: []remote.TrimResult{
		{ChapterID: 4, ChapterMD5: ch.ContentHash, PromptID: 2, TrimmedContent: "精简版"},
	}}
	p, s := newTestProvider(t, gw)

	synced := domain.Book{ID: "b1", CloudID: 3, SyncState: domain.SyncSynced}
	res, found := p.TrimmedContent(context.Background(), synced, ch, 2)
	if !found || res.Text != "精简版" {
		t.Fatalf("trim = (%+v, %v), want hit", res, found)
	}
	if _, ok := gw.trimAddrs[0].(domain.ByContentHash); !ok {
		t.Fatalf("synced book addressed by %T, want ByContentHash", gw.trimAddrs[0])
	}
	if text, ok, err := s.GetTrimmed(ch.ContentHash, 2); err != nil || !ok || text != "精简版" {
		t.Fatalf("trim not backfilled: (%q, %v, %v)", text, ok, err)
	}

	// a cloud-only book goes by chapter id
	other := cloudChapter(5, "另一章")
	cloudOnly := domain.Book{ID: "b2", CloudID: 8, SyncState: domain.SyncCloudOnly}
	gw.trims = []remote.TrimResult{{ChapterID: 5, PromptID: 2, TrimmedContent: "精简五"}}
	if _, found := p.TrimmedContent(context.Background(), cloudOnly, other, 2); !found {
		t.Fatal("cloud-only trim lookup missed")
	}
	if _, ok := gw.trimAddrs[len(gw.trimAddrs)-1].(domain.ByCloudID); !ok {
		t.Fatal("cloud-only book should address by cloud id")
	}
}

func TestTrimmedContentAbsentIsNotAnError(t *testing.T) {
	ch := cloudChapter(4, "无精简")
	p, _ := newTestProvider(t, &fakeGateway{})
	book := domain.Book{ID: "b1", SyncState: domain.SyncSynced}
	res, found := p.TrimmedContent(context.Background(), book, ch, 3)
	if found || res.Text != "" {
		t.Fatalf("absent trim = (%+v, %v), want miss", res, found)
	}
}

func TestTrimmedContentLocalChapterHasNoBatchPath(t *testing.T) {
	ch := domain.Chapter{ID: "c1", BookID: "b1", ContentHash: hash.Content("纯本地")}
	gw := &fakeGateway{}
	p, _ := newTestProvider(t, gw)
	book := domain.Book{ID: "b1", SyncState: domain.SyncLocal}
	if _, found := p.TrimmedContent(context.Background(), book, ch, 1); found {
		t.Fatal("local-only chapter should miss")
	}
	if len(gw.trimAddrs) != 0 {
		t.Fatal("no remote call expected for a chapter with no cloud identity")
	}
}

func TestTrimmedStatusCachedOnFailure(t *testing.T) {
	ch := cloudChapter(1, "状态章节")
	gw := &fakeGateway{statusByMD5: map[string][]int{ch.ContentHash: {1, 2}}}
	p, _ := newTestProvider(t, gw)
	book := domain.Book{ID: "b1", CloudID: 3, SyncState: domain.SyncSynced}

	status := p.TrimmedStatus(context.Background(), book, []domain.Chapter{ch})
	if len(status[ch.ContentHash]) != 2 {
		t.Fatalf("status = %v, want two modes", status)
	}

	gw.mu.Lock()
	gw.statusErr = fmt.Errorf("timeout")
	gw.mu.Unlock()
	status = p.TrimmedStatus(context.Background(), book, []domain.Chapter{ch})
	if len(status[ch.ContentHash]) != 2 {
		t.Fatalf("offline status = %v, want cached answer", status)
	}
}

func TestUpdateProgressMirrorsToCloud(t *testing.T) {
	gw := &fakeGateway{progressCh: make(chan remote.ProgressUpdate, 1)}
	p, s := newTestProvider(t, gw)
	book := domain.Book{ID: "b1", CloudID: 42, SyncState: domain.SyncSynced}
	ch := cloudChapter(7, "进度章节")

	if err := p.UpdateProgress(context.Background(), book, ch, 1); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	h, ok, err := s.GetHistory("b1")
	if err != nil || !ok || h.ChapterID != ch.ID || h.PromptID != 1 {
		t.Fatalf("history = (%+v, %v, %v), want local write", h, ok, err)
	}
	select {
	case update := <-gw.progressCh:
		if update.BookID != 42 || update.ChapterID != 7 {
			t.Fatalf("mirror = %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cloud mirror never fired")
	}
}

func TestProgressTrackerDebounces(t *testing.T) {
	p, s := newTestProvider(t, &fakeGateway{})
	tracker := NewProgressTracker(p, 30*time.Millisecond)
	book := domain.Book{ID: "b1"}
	first := cloudChapter(1, "一闪而过")
	second := cloudChapter(2, "停留阅读")

	tracker.OnChapterViewed(book, first, 0)
	time.Sleep(10 * time.Millisecond)
	tracker.OnChapterViewed(book, second, 0)
	time.Sleep(100 * time.Millisecond)

	h, ok, err := s.GetHistory("b1")
	if err != nil || !ok {
		t.Fatalf("history missing: (%v, %v)", ok, err)
	}
	if h.ChapterID != second.ID {
		t.Fatalf("recorded chapter = %s, want the one that dwelled", h.ChapterID)
	}
}

func TestProgressTrackerStopDiscardsPending(t *testing.T) {
	p, s := newTestProvider(t, &fakeGateway{})
	tracker := NewProgressTracker(p, 20*time.Millisecond)
	tracker.OnChapterViewed(domain.Book{ID: "b1"}, cloudChapter(1, "未停留"), 0)
	tracker.Stop()
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.GetHistory("b1"); ok {
		t.Fatal("stopped tracker should not commit")
	}
}
