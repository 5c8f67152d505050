// Package provider is the single entry point for "get the text I need to
// display". It layers the in-process and redis tiers over the local store and
// falls back to the gateway, keeping faster tiers warm on the way back up.
// Remote failures never escape this package: they are logged and converted
// into misses, because the reader must stay usable offline.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"onereader/pkg/cache"
	"onereader/pkg/domain"
	"onereader/pkg/hash"
	"onereader/pkg/remote"
	"onereader/pkg/store"
)

// DefaultBatchLimit mirrors the gateway's batch ceiling.
const DefaultBatchLimit = 10

// Gateway is the slice of the remote client the provider needs.
type Gateway interface {
	BatchChapterContents(ctx context.Context, ids []int64) ([]remote.ChapterContent, error)
	BatchTrims(ctx context.Context, addr domain.Addressing, promptID int) ([]remote.TrimResult, error)
	TrimStatusByMD5(ctx context.Context, md5s []string) (map[string][]int, error)
	TrimStatusByID(ctx context.Context, cloudBookID int64) (map[int64][]int, error)
	UpdateProgress(ctx context.Context, update remote.ProgressUpdate) error
	OpenTrimStream(ctx context.Context, req remote.TrimStreamRequest) (remote.EventStream, error)
}

// Config wires the provider's tiers.
type Config struct {
	Store      store.LocalStore
	Gateway    Gateway
	Memory     *cache.Memory
	Redis      *cache.Redis // nil disables the tier
	BatchLimit int
}

// Provider owns the transient cache tiers; the store owns everything durable.
type Provider struct {
	store      store.LocalStore
	gateway    Gateway
	memory     *cache.Memory
	redis      *cache.Redis
	batchLimit int
}

// New constructs the provider. Store and Gateway are required; Memory
// defaults to a bounded LRU, Redis stays off when absent.
func New(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	memory := cfg.Memory
	if memory == nil {
		memory = cache.NewMemory(0)
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Provider{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		memory:     memory,
		redis:      cfg.Redis,
		batchLimit: limit,
	}, nil
}

// ChapterContent resolves one chapter's raw text: memory, redis, the local
// content table, then one remote fetch. A remote hit is written back into the
// content table keyed by the chapter's hash before returning.
func (p *Provider) ChapterContent(ctx context.Context, book domain.Book, ch domain.Chapter) domain.ChapterText {
	if text, tier, ok := p.localContent(ctx, ch.ContentHash); ok {
		return domain.ChapterText{Text: text, Tier: tier, Cached: true}
	}
	if ch.CloudID <= 0 {
		return domain.ChapterText{Tier: domain.TierNetwork}
	}
	results, err := p.gateway.BatchChapterContents(ctx, []int64{ch.CloudID})
	if err != nil {
		slog.Warn("chapter content fetch failed", "book", book.ID, "chapter", ch.ID, "err", err)
		return domain.ChapterText{Tier: domain.TierNetwork}
	}
	for _, res := range results {
		if res.ChapterID == ch.CloudID && res.Content != "" {
			p.backfillContent(ctx, ch, res)
			return domain.ChapterText{Text: res.Content, Tier: domain.TierNetwork, Cached: true}
		}
	}
	return domain.ChapterText{Tier: domain.TierNetwork}
}

// BatchChapterContents resolves up to the batch ceiling of chapters,
// preserving input order. Local hits are answered from the tiers; all misses
// go out in exactly one remote call, and every returned row is backfilled
// into the content table. A remote failure degrades the misses to empty
// network results while local hits still come back.
func (p *Provider) BatchChapterContents(ctx context.Context, book domain.Book, chapters []domain.Chapter) ([]domain.ChapterText, error) {
	if len(chapters) > p.batchLimit {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(chapters), p.batchLimit)
	}
	results := make([]domain.ChapterText, len(chapters))
	missing := make(map[int64][]int) // cloud id -> input positions
	for i, ch := range chapters {
		if text, tier, ok := p.localContent(ctx, ch.ContentHash); ok {
			results[i] = domain.ChapterText{Text: text, Tier: tier, Cached: true}
			continue
		}
		results[i] = domain.ChapterText{Tier: domain.TierNetwork}
		if ch.CloudID > 0 {
			missing[ch.CloudID] = append(missing[ch.CloudID], i)
		}
	}
	if len(missing) == 0 {
		return results, nil
	}
	ids := make([]int64, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	fetched, err := p.gateway.BatchChapterContents(ctx, ids)
	if err != nil {
		slog.Warn("batch chapter fetch failed", "book", book.ID, "count", len(ids), "err", err)
		return results, nil
	}
	for _, res := range fetched {
		positions, ok := missing[res.ChapterID]
		if !ok || res.Content == "" {
			continue
		}
		for _, i := range positions {
			results[i] = domain.ChapterText{Text: res.Content, Tier: domain.TierNetwork, Cached: true}
			p.backfillContent(ctx, chapters[i], res)
		}
	}
	return results, nil
}

// TrimmedContent resolves an AI-trimmed variant of a chapter, or reports that
// the mode has never been generated (absence is a terminal state, not an
// error). The remote lookup is hash-addressed for SYNCED books and
// id-addressed otherwise; a purely local chapter has no batch lookup path and
// the streaming channel is its only source of new trims.
func (p *Provider) TrimmedContent(ctx context.Context, book domain.Book, ch domain.Chapter, promptID int) (domain.ChapterText, bool) {
	if promptID == domain.OriginalPromptID {
		res := p.ChapterContent(ctx, book, ch)
		return res, res.Cached
	}
	key := cache.TrimKey(ch.ContentHash, promptID)
	if text, ok := p.memory.Get(key); ok {
		return domain.ChapterText{Text: text, Tier: domain.TierMemory, Cached: true}, true
	}
	if text, ok := p.redis.Get(ctx, key); ok {
		p.memory.Set(key, text)
		return domain.ChapterText{Text: text, Tier: domain.TierRedis, Cached: true}, true
	}
	if text, ok, err := p.store.GetTrimmed(ch.ContentHash, promptID); err != nil {
		slog.Warn("trimmed content read failed", "hash", ch.ContentHash, "prompt", promptID, "err", err)
	} else if ok {
		p.memory.Set(key, text)
		p.redis.Set(ctx, key, text)
		return domain.ChapterText{Text: text, Tier: domain.TierSQLite, Cached: true}, true
	}

	addr, ok := trimAddressing(book, ch)
	if !ok {
		return domain.ChapterText{Tier: domain.TierNetwork}, false
	}
	results, err := p.gateway.BatchTrims(ctx, addr, promptID)
	if err != nil {
		slog.Warn("trim fetch failed", "book", book.ID, "chapter", ch.ID, "prompt", promptID, "err", err)
		return domain.ChapterText{Tier: domain.TierNetwork}, false
	}
	for _, res := range results {
		if !trimMatches(res, ch) || res.TrimmedContent == "" {
			continue
		}
		p.storeTrim(ctx, ch.ContentHash, promptID, res.TrimmedContent)
		return domain.ChapterText{Text: res.TrimmedContent, Tier: domain.TierNetwork, Cached: true}, true
	}
	return domain.ChapterText{Tier: domain.TierNetwork}, false
}

// TrimmedStatus asks the remote side which trim modes already exist for the
// given chapters, without fetching any trim bodies. SYNCED books are keyed by
// content hash, others by cloud chapter id; the result map uses the same key
// kind as the call. On remote failure the last cached answer, if any, is
// returned so the UI can still grey out known modes offline.
func (p *Provider) TrimmedStatus(ctx context.Context, book domain.Book, chapters []domain.Chapter) map[string][]int {
	var status map[string][]int
	var err error
	if book.SyncState == domain.SyncSynced {
		md5s := make([]string, 0, len(chapters))
		for _, ch := range chapters {
			md5s = append(md5s, ch.ContentHash)
		}
		status, err = p.gateway.TrimStatusByMD5(ctx, md5s)
	} else if book.CloudID > 0 {
		var byID map[int64][]int
		byID, err = p.gateway.TrimStatusByID(ctx, book.CloudID)
		if err == nil {
			status = make(map[string][]int, len(byID))
			for id, modes := range byID {
				status[strconv.FormatInt(id, 10)] = modes
			}
		}
	} else {
		return map[string][]int{}
	}
	if err != nil {
		slog.Warn("trim status fetch failed", "book", book.ID, "err", err)
		if cached, ok, cacheErr := p.store.GetTrimStatus(book.ID); cacheErr == nil && ok {
			return cached
		}
		return map[string][]int{}
	}
	if status == nil {
		status = map[string][]int{}
	}
	if err := p.store.SaveTrimStatus(book.ID, status); err != nil {
		slog.Warn("trim status cache write failed", "book", book.ID, "err", err)
	}
	return status
}

// UpdateProgress records the reading position locally, then mirrors it to the
// cloud copy in the background when the book has any cloud presence. Mirror
// failures are logged, never surfaced.
func (p *Provider) UpdateProgress(ctx context.Context, book domain.Book, ch domain.Chapter, promptID int) error {
	history := domain.ReadingHistory{
		BookID:    book.ID,
		ChapterID: ch.ID,
		PromptID:  promptID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.UpsertHistory(history); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if book.CloudID <= 0 {
		return nil
	}
	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		update := remote.ProgressUpdate{BookID: book.CloudID, ChapterID: ch.CloudID, PromptID: promptID}
		if err := p.gateway.UpdateProgress(mirrorCtx, update); err != nil {
			slog.Warn("progress mirror failed", "book", book.ID, "err", err)
		}
	}()
	return nil
}

// localContent walks the non-network tiers for a content hash.
func (p *Provider) localContent(ctx context.Context, hash string) (string, domain.CacheTier, bool) {
	if hash == "" {
		return "", domain.TierNetwork, false
	}
	key := cache.ContentKey(hash)
	if text, ok := p.memory.Get(key); ok {
		return text, domain.TierMemory, true
	}
	if text, ok := p.redis.Get(ctx, key); ok {
		p.memory.Set(key, text)
		return text, domain.TierRedis, true
	}
	text, ok, err := p.store.GetContent(hash)
	if err != nil {
		slog.Warn("content read failed", "hash", hash, "err", err)
		return "", domain.TierNetwork, false
	}
	if !ok {
		return "", domain.TierNetwork, false
	}
	p.memory.Set(key, text)
	p.redis.Set(ctx, key, text)
	return text, domain.TierSQLite, true
}

// backfillContent persists a fetched body under its real hash. A chapter that
// was listed with a placeholder hash adopts the real md5 on its row, and the
// placeholder key is also written so chapter structs already in flight keep
// resolving locally.
func (p *Provider) backfillContent(ctx context.Context, ch domain.Chapter, res remote.ChapterContent) {
	h := contentHashFor(ch, res.ChapterMD5)
	p.storeContent(ctx, h, res.Content)
	if h == ch.ContentHash || !hash.IsPlaceholder(ch.ContentHash) {
		return
	}
	p.storeContent(ctx, ch.ContentHash, res.Content)
	if err := p.store.SetChapterContentHash(ch.ID, h); err != nil {
		slog.Warn("chapter hash adoption failed", "chapter", ch.ID, "err", err)
	}
}

// storeContent backfills a remote result through every tier.
func (p *Provider) storeContent(ctx context.Context, hash, text string) {
	if hash == "" {
		return
	}
	if err := p.store.UpsertContent(hash, text); err != nil {
		slog.Warn("content backfill failed", "hash", hash, "err", err)
	}
	key := cache.ContentKey(hash)
	p.memory.Set(key, text)
	p.redis.Set(ctx, key, text)
}

func (p *Provider) storeTrim(ctx context.Context, hash string, promptID int, text string) {
	if err := p.store.UpsertTrimmed(hash, promptID, text); err != nil {
		slog.Warn("trim backfill failed", "hash", hash, "prompt", promptID, "err", err)
	}
	key := cache.TrimKey(hash, promptID)
	p.memory.Set(key, text)
	p.redis.Set(ctx, key, text)
}

// trimAddressing picks the one addressing scheme valid for this book.
func trimAddressing(book domain.Book, ch domain.Chapter) (domain.Addressing, bool) {
	if book.SyncState == domain.SyncSynced {
		return domain.ByContentHash{Hashes: []string{ch.ContentHash}}, true
	}
	if ch.CloudID > 0 {
		return domain.ByCloudID{IDs: []int64{ch.CloudID}}, true
	}
	return nil, false
}

func trimMatches(res remote.TrimResult, ch domain.Chapter) bool {
	if res.ChapterMD5 != "" && res.ChapterMD5 == ch.ContentHash {
		return true
	}
	return res.ChapterID != 0 && res.ChapterID == ch.CloudID
}

// contentHashFor prefers the hash reported by the remote side, falling back
// to the chapter's own key (covers placeholder-hashed chapters).
func contentHashFor(ch domain.Chapter, remoteMD5 string) string {
	if remoteMD5 != "" {
		return remoteMD5
	}
	return ch.ContentHash
}
