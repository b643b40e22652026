// Package profile decorates a ProfileLookup with a TTL cache and display
// name normalisation.
package profile

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 1024
	// MaxDisplayNameRunes bounds display names after normalisation.
	MaxDisplayNameRunes = 32
)

var _ session.ProfileLookup = (*Cache)(nil)

type entry struct {
	meta    model.Metadata
	expires time.Time
}

// Cache is a ProfileLookup that remembers successful lookups for a TTL.
// Failures are not cached.
type Cache struct {
	next       session.ProfileLookup
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     logger.Logger

	mu      sync.Mutex
	entries map[model.UserID]entry
}

// New wraps next.
func New(next session.ProfileLookup, opts ...Option) *Cache {
	c := &Cache{
		next:       next,
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		logger:     logger.Named("profile"),
		entries:    make(map[model.UserID]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetProfile returns normalised metadata for userID.
func (c *Cache) GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.meta, nil
	}

	start := time.Now()
	meta, err := c.next.GetProfile(ctx, userID)
	metrics.RecordLookupLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return model.Metadata{}, err
	}
	meta = Normalize(userID, meta)

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[userID] = entry{meta: meta, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return meta, nil
}

// Cached returns a fresh cached entry without calling the wrapped lookup.
func (c *Cache) Cached(userID model.UserID) (model.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || !c.now().Before(e.expires) {
		return model.Metadata{}, false
	}
	return e.meta, true
}

// Forget drops a cached entry.
func (c *Cache) Forget(userID model.UserID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, or every entry when none had expired.
func (c *Cache) evictLocked(now time.Time) {
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) >= c.maxEntries {
		c.logger.Debug(context.Background(), "profile cache full, clearing", logger.Int("entries", len(c.entries)))
		clear(c.entries)
	}
}

// Normalize cleans metadata for display: the name is NFC normalised, control
// characters are dropped, whitespace runs collapse to one space and the
// result is capped at MaxDisplayNameRunes. An empty name falls back to the
// user id. Country codes are kept only as two ASCII letters, upper-cased.
func Normalize(userID model.UserID, meta model.Metadata) model.Metadata {
	meta.DisplayName = normalizeName(meta.DisplayName)
	if meta.DisplayName == "" {
		meta.DisplayName = string(userID)
	}
	meta.CountryCode = normalizeCountry(meta.CountryCode)
	meta.SpriteURL = strings.TrimSpace(meta.SpriteURL)
	return meta
}

func normalizeName(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	space := false
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if n >= MaxDisplayNameRunes {
			break
		}
		if space {
			if n+1 >= MaxDisplayNameRunes {
				break
			}
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func normalizeCountry(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'A' || s[0] > 'Z' || s[1] < 'A' || s[1] > 'Z' {
		return ""
	}
	return s
}
