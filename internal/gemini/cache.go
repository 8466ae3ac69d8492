package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// cacheHandle is the in-memory record of one provider-side cache.
type cacheHandle struct {
	name    string
	hash    string
	model   string
	expires time.Time
}

// cacheBackend is the slice of the provider API the cache manager needs.
// Stubbed in tests.
type cacheBackend interface {
	createCache(ctx context.Context, model, content string, ttl time.Duration) (string, error)
	deleteCache(ctx context.Context, name string) error
}

// CacheManager maintains one provider-side cached-content handle per group
// folder, keyed by (folder, model, content hash).
type CacheManager struct {
	mu       sync.Mutex
	handles  map[string]*cacheHandle
	backend  cacheBackend
	minChars int
	ttl      time.Duration
	now      func() time.Time
}

// NewCacheManager creates a cache manager over client. Content shorter
// than minChars never creates a cache.
func NewCacheManager(client *Client, minChars int, ttl time.Duration) *CacheManager {
	var backend cacheBackend
	if client != nil {
		backend = &genaiCacheBackend{client: client}
	}
	return &CacheManager{
		handles:  make(map[string]*cacheHandle),
		backend:  backend,
		minChars: minChars,
		ttl:      ttl,
		now:      time.Now,
	}
}

// ObtainCache returns the cache name for (folder, model, content), creating
// a provider-side cache when the existing handle is missing, stale, expired
// or for a different model. An empty return means "proceed uncached"; the
// caller then inlines the content instead. Never returns an error: caching
// is strictly best-effort.
func (m *CacheManager) ObtainCache(ctx context.Context, folder, model, content string) string {
	if m.backend == nil || len(content) < m.minChars {
		return ""
	}

	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	existing := m.handles[folder]
	if existing != nil && existing.hash == hash && existing.model == model && m.now().Before(existing.expires) {
		name := existing.name
		m.mu.Unlock()
		return name
	}
	m.mu.Unlock()

	name, err := m.backend.createCache(ctx, model, content, m.ttl)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "not supported") || strings.Contains(msg, "too few tokens") {
			slog.Debug("context cache unavailable for this content",
				slog.String("group", folder), slog.String("error", msg))
		} else {
			slog.Warn("context cache creation failed",
				slog.String("group", folder), slog.String("error", msg))
		}
		return ""
	}

	m.mu.Lock()
	old := m.handles[folder]
	m.handles[folder] = &cacheHandle{
		name:    name,
		hash:    hash,
		model:   model,
		expires: m.now().Add(m.ttl),
	}
	m.mu.Unlock()

	if old != nil && old.name != name {
		// Best-effort cleanup of the superseded handle.
		if err := m.backend.deleteCache(ctx, old.name); err != nil {
			slog.Debug("stale context cache delete failed",
				slog.String("group", folder), slog.String("error", err.Error()))
		}
	}
	return name
}

// Invalidate drops a group's handle without touching the provider.
func (m *CacheManager) Invalidate(folder string) {
	m.mu.Lock()
	delete(m.handles, folder)
	m.mu.Unlock()
}

type genaiCacheBackend struct {
	client *Client
}

func (b *genaiCacheBackend) createCache(ctx context.Context, model, content string, ttl time.Duration) (string, error) {
	cc, err := b.client.genai.Caches.Create(ctx, model, &genai.CreateCachedContentConfig{
		SystemInstruction: genai.NewContentFromText(content, genai.RoleUser),
		TTL:               ttl,
	})
	if err != nil {
		return "", err
	}
	return cc.Name, nil
}

func (b *genaiCacheBackend) deleteCache(ctx context.Context, name string) error {
	_, err := b.client.genai.Caches.Delete(ctx, name, nil)
	return err
}
