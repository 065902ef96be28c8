package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/utils/cache"
)

// DurableCache is the durable tier of the grading cache. Satisfied by
// utils/cache.RedisCache; tests substitute an in-memory fake.
type DurableCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// GradeCacheKeyPrefix versions the key space so a schema change never
// resurrects stale payloads
const GradeCacheKeyPrefix = "grade:v1:"

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

// GradingCache memoizes grading results by content hash. Lookups hit the
// in-process tier first, then the durable tier (backfilling memory on a hit).
// Writes go to both tiers. A durable-tier failure is logged and treated as a
// miss; grading proceeds without caching rather than failing the request.
type GradingCache struct {
	mu      sync.RWMutex
	mem     map[string]memEntry
	durable DurableCache
	ttl     time.Duration
}

// NewGradingCache creates a grading cache. durable may be nil, which leaves
// only the in-process tier active.
func NewGradingCache(durable DurableCache, ttl time.Duration) *GradingCache {
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}
	return &GradingCache{
		mem:     make(map[string]memEntry),
		durable: durable,
		ttl:     ttl,
	}
}

// canonicalSub and canonicalQuestion are the stable serialization of the
// question set used for key derivation. Struct fields marshal in declaration
// order and both slices are sorted, so the same logical input always produces
// the same bytes regardless of process restart or input ordering.
type canonicalSub struct {
	SubID    string  `json:"s"`
	MaxMarks float64 `json:"m"`
	Rubric   string  `json:"r,omitempty"`
}

type canonicalQuestion struct {
	Number   int            `json:"n"`
	MaxMarks float64        `json:"m"`
	Rubric   string         `json:"r,omitempty"`
	Subs     []canonicalSub `json:"subs,omitempty"`
}

type cacheKeyInput struct {
	Pages     []string            `json:"pages"`
	Questions []canonicalQuestion `json:"questions"`
	Mode      string              `json:"mode"`
	Extra     string              `json:"extra,omitempty"`
}

// ContentKey derives the cache key for a grading input: per-page digests in
// order, questions sorted by number (sub-questions by sub id), the grading
// mode, and a digest of any extra context such as reference material.
func ContentKey(pages []PageImage, questions []model.Question, mode model.GradingMode, extraContext string) string {
	input := cacheKeyInput{
		Pages: make([]string, 0, len(pages)),
		Mode:  string(mode),
	}

	for _, p := range pages {
		sum := sha256.Sum256(p.Data)
		input.Pages = append(input.Pages, hex.EncodeToString(sum[:]))
	}

	qs := make([]canonicalQuestion, 0, len(questions))
	for _, q := range questions {
		cq := canonicalQuestion{
			Number:   q.Number,
			MaxMarks: q.MaxMarks,
			Rubric:   q.Rubric,
		}
		for _, sub := range q.SubQuestions {
			cq.Subs = append(cq.Subs, canonicalSub{
				SubID:    sub.SubID,
				MaxMarks: sub.MaxMarks,
				Rubric:   sub.Rubric,
			})
		}
		sort.Slice(cq.Subs, func(i, j int) bool { return cq.Subs[i].SubID < cq.Subs[j].SubID })
		qs = append(qs, cq)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].Number < qs[j].Number })
	input.Questions = qs

	if extraContext != "" {
		sum := sha256.Sum256([]byte(extraContext))
		input.Extra = hex.EncodeToString(sum[:])
	}

	serialized, err := json.Marshal(input)
	if err != nil {
		// Only unmarshalable types reach here, and the input is all plain data
		log.Printf("[CACHE] Failed to serialize key input: %v", err)
		return ""
	}

	sum := sha256.Sum256(serialized)
	return GradeCacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Get looks the key up in both tiers. Returns false on miss or expiry.
func (c *GradingCache) Get(ctx context.Context, key string, dest interface{}) bool {
	if key == "" {
		return false
	}

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if err := json.Unmarshal(entry.payload, dest); err == nil {
			return true
		}
		// Unreadable payload in memory; fall through to the durable tier
	}

	if c.durable == nil {
		return false
	}

	if err := c.durable.GetJSON(ctx, key, dest); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("[CACHE] Durable tier read failed for %s: %v", key, err)
		}
		return false
	}

	// Backfill the in-process tier
	if payload, err := json.Marshal(dest); err == nil {
		c.mu.Lock()
		c.mem[key] = memEntry{payload: payload, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
	}

	return true
}

// Put writes the value to both tiers unconditionally. Last writer wins;
// entries for the same key are expected to be payload-identical.
func (c *GradingCache) Put(ctx context.Context, key string, value interface{}) {
	if key == "" {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("[CACHE] Failed to serialize payload for %s: %v", key, err)
		return
	}

	c.mu.Lock()
	c.mem[key] = memEntry{payload: payload, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.SetJSON(ctx, key, value, c.ttl); err != nil {
			log.Printf("[CACHE] Durable tier write failed for %s: %v", key, err)
		}
	}
}

// Sweep drops expired entries from the in-process tier and returns the count
// removed. The durable tier expires natively via TTL.
func (c *GradingCache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.mem {
		if now.After(entry.expiresAt) {
			delete(c.mem, key)
			removed++
		}
	}
	return removed
}

// MemSize returns the number of live entries in the in-process tier
func (c *GradingCache) MemSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}
