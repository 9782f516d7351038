// Package cache provides the four keyed cache namespaces of the studio:
// compiled environments (LRU, long-lived), analyses (short TTL), assets
// (invalidated on mutation), and rollouts (very short TTL). All
// namespaces are safe for concurrent use; invalidation supports
// pattern-prefix matching so list queries can be flushed alongside the
// records they contain.
package cache

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/dojoworks/dojo/internal/metrics"
)

// Namespace identifies one cache bucket.
type Namespace string

const (
	NamespaceCompiled Namespace = "compiled"
	NamespaceAnalysis Namespace = "analysis"
	NamespaceAsset    Namespace = "asset"
	NamespaceRollout  Namespace = "rollout"
)

// Defaults per namespace.
const (
	compiledEntries = 256
	analysisTTL     = 10 * time.Minute
	rolloutTTL      = time.Minute
	sweepInterval   = 5 * time.Minute
)

// Store holds every namespace. The zero value is not usable; construct
// with New.
type Store struct {
	compiled *lru.Cache[string, any]
	analysis *gocache.Cache
	assets   *gocache.Cache
	rollouts *gocache.Cache
}

// New builds a Store with the default sizes and TTLs.
func New() (*Store, error) {
	compiled, err := lru.New[string, any](compiledEntries)
	if err != nil {
		return nil, fmt.Errorf("building compiled cache: %w", err)
	}
	return &Store{
		compiled: compiled,
		analysis: gocache.New(analysisTTL, sweepInterval),
		assets:   gocache.New(gocache.NoExpiration, sweepInterval),
		rollouts: gocache.New(rolloutTTL, sweepInterval),
	}, nil
}

// Get looks a key up in one namespace, recording the hit or miss.
func (s *Store) Get(ns Namespace, key string) (any, bool) {
	var v any
	var ok bool
	switch ns {
	case NamespaceCompiled:
		v, ok = s.compiled.Get(key)
	case NamespaceAnalysis:
		v, ok = s.analysis.Get(key)
	case NamespaceAsset:
		v, ok = s.assets.Get(key)
	case NamespaceRollout:
		v, ok = s.rollouts.Get(key)
	}
	metrics.RecordCache(string(ns), ok)
	return v, ok
}

// Set writes a key into one namespace. Writes are idempotent: setting
// the same key twice leaves the last value.
func (s *Store) Set(ns Namespace, key string, v any) {
	switch ns {
	case NamespaceCompiled:
		s.compiled.Add(key, v)
	case NamespaceAnalysis:
		s.analysis.Set(key, v, gocache.DefaultExpiration)
	case NamespaceAsset:
		s.assets.Set(key, v, gocache.NoExpiration)
	case NamespaceRollout:
		s.rollouts.Set(key, v, gocache.DefaultExpiration)
	}
}

// Delete removes one key from a namespace.
func (s *Store) Delete(ns Namespace, key string) {
	switch ns {
	case NamespaceCompiled:
		s.compiled.Remove(key)
	case NamespaceAnalysis:
		s.analysis.Delete(key)
	case NamespaceAsset:
		s.assets.Delete(key)
	case NamespaceRollout:
		s.rollouts.Delete(key)
	}
}

// InvalidatePrefix removes every key with the given prefix from a
// namespace. Mutation paths use this to flush both a record and the
// list queries that might contain it.
func (s *Store) InvalidatePrefix(ns Namespace, prefix string) int {
	removed := 0
	switch ns {
	case NamespaceCompiled:
		for _, k := range s.compiled.Keys() {
			if strings.HasPrefix(k, prefix) {
				s.compiled.Remove(k)
				removed++
			}
		}
	case NamespaceAnalysis, NamespaceAsset, NamespaceRollout:
		c := s.ttlCache(ns)
		for k := range c.Items() {
			if strings.HasPrefix(k, prefix) {
				c.Delete(k)
				removed++
			}
		}
	}
	return removed
}

// Flush clears a whole namespace.
func (s *Store) Flush(ns Namespace) {
	switch ns {
	case NamespaceCompiled:
		s.compiled.Purge()
	case NamespaceAnalysis, NamespaceAsset, NamespaceRollout:
		s.ttlCache(ns).Flush()
	}
}

// Len reports the number of live entries in a namespace.
func (s *Store) Len(ns Namespace) int {
	switch ns {
	case NamespaceCompiled:
		return s.compiled.Len()
	case NamespaceAnalysis, NamespaceAsset, NamespaceRollout:
		return s.ttlCache(ns).ItemCount()
	}
	return 0
}

func (s *Store) ttlCache(ns Namespace) *gocache.Cache {
	switch ns {
	case NamespaceAnalysis:
		return s.analysis
	case NamespaceRollout:
		return s.rollouts
	default:
		return s.assets
	}
}

// Key builds a deterministic cache key from a name and its arguments.
// Arguments are content-hashed, so structurally equal values always
// produce the same key.
func Key(name string, args ...any) string {
	if len(args) == 0 {
		return name
	}
	h, err := hashstructure.Hash(args, hashstructure.FormatV2, nil)
	if err != nil {
		// Fall back to the formatted value; ugly but still deterministic.
		return fmt.Sprintf("%s:%v", name, args)
	}
	return fmt.Sprintf("%s:%016x", name, h)
}
