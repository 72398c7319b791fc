package storage

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedSigner wraps an ObjectStore and reuses signed URLs for half of their
// lifetime so a URL handed out is always valid for at least ttl/2.
type CachedSigner struct {
	ObjectStore
	urls *cache.Cache
}

type signedURL struct {
	url     string
	expires time.Time
}

// WithSignedURLCache returns store with signed URL caching.
func WithSignedURLCache(store ObjectStore) *CachedSigner {
	return &CachedSigner{
		ObjectStore: store,
		urls:        cache.New(time.Minute, 5*time.Minute),
	}
}

func (c *CachedSigner) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, _, err := c.SignedURLExpiry(ctx, path, ttl)
	return u, err
}

// SignedURLExpiry is SignedURL that also reports when the returned URL lapses.
// A cached URL keeps the expiry it was signed with.
func (c *CachedSigner) SignedURLExpiry(ctx context.Context, path string, ttl time.Duration) (string, time.Time, error) {
	key := ttl.String() + "|" + path
	if v, ok := c.urls.Get(key); ok {
		s := v.(signedURL)
		return s.url, s.expires, nil
	}

	expires := time.Now().Add(ttl)
	u, err := c.ObjectStore.SignedURL(ctx, path, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl/2 > 0 {
		c.urls.Set(key, signedURL{url: u, expires: expires}, ttl/2)
	}
	return u, expires, nil
}

func (c *CachedSigner) Remove(ctx context.Context, paths ...string) error {
	if err := c.ObjectStore.Remove(ctx, paths...); err != nil {
		return err
	}
	for _, p := range paths {
		for key := range c.urls.Items() {
			if strings.HasSuffix(key, "|"+p) {
				c.urls.Delete(key)
			}
		}
	}
	return nil
}
