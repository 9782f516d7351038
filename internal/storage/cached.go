package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dojoworks/dojo/internal/cache"
)

// cachedNamespaces lists the document namespaces whose reads flow
// through the long-lived asset cache. Runs, metrics, and logs are
// deliberately absent: they change underneath us on the orchestrator's
// and workers' schedule.
var cachedNamespaces = map[string]bool{
	"assets":    true,
	"templates": true,
	"scenes":    true,
}

// Cached wraps a Client with read-through caching for asset, template,
// and scene queries. Any mutation in a cached namespace invalidates
// that record's key and every list-query key in the namespace by
// prefix, so a Get after a Mutation never returns a stale value.
type Cached struct {
	inner  Client
	caches *cache.Store
}

// NewCached wraps inner. A nil cache store disables caching entirely.
func NewCached(inner Client, caches *cache.Store) *Cached {
	return &Cached{inner: inner, caches: caches}
}

// Query implements Client with read-through caching.
func (c *Cached) Query(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	ns := namespaceOf(path)
	if c.caches == nil || !cachedNamespaces[ns] {
		return c.inner.Query(ctx, path, args)
	}
	key := queryKey(path, args)
	if hit, ok := c.caches.Get(cache.NamespaceAsset, key); ok {
		return hit.(json.RawMessage), nil
	}
	raw, err := c.inner.Query(ctx, path, args)
	if err != nil {
		return nil, err
	}
	c.caches.Set(cache.NamespaceAsset, key, raw)
	return raw, nil
}

// Mutation implements Client, invalidating the namespace's cached reads.
func (c *Cached) Mutation(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	raw, err := c.inner.Mutation(ctx, path, args)
	if err != nil {
		return nil, err
	}
	ns := namespaceOf(path)
	if c.caches != nil && cachedNamespaces[ns] {
		if id, _ := args["id"].(string); id != "" {
			c.caches.Delete(cache.NamespaceAsset, queryKey(ns+"/get", Args{"id": id}))
		}
		// List queries cannot be invalidated per-record; drop them all.
		c.caches.InvalidatePrefix(cache.NamespaceAsset, ns+"/list")
	}
	return raw, nil
}

// Close implements Client.
func (c *Cached) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}

func namespaceOf(path string) string {
	if i := strings.IndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return path
}

func queryKey(path string, args Args) string {
	return path + ":" + cache.Key("", args)
}
