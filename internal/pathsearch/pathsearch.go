// Package pathsearch implements the PATH-resolution policy shared by the
// rule matcher (which must resolve argv[0] before applying a rule/
// exact_rule predicate) and the runner (which execs the resolved path).
//
// A per-request Cache memoizes both hits and misses so that a rule that
// is evaluated more than once during matching, or consulted again by
// the runner, never re-stats the filesystem.
package pathsearch

import (
	"os"
	"strings"
)

const DefaultSearchPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Cache memoizes binary-name -> resolved-path (or not-found) lookups for
// the lifetime of a single request.
type Cache struct {
	located map[string]*string
}

func NewCache() *Cache {
	return &Cache{located: make(map[string]*string)}
}

func (c *Cache) get(binary string) (string, bool, bool) {
	v, ok := c.located[binary]
	if !ok {
		return "", false, false
	}
	if v == nil {
		return "", false, true
	}
	return *v, true, true
}

func (c *Cache) put(binary string, resolved string, found bool) {
	if found {
		c.located[binary] = &resolved
	} else {
		c.located[binary] = nil
	}
}

// Resolve returns the absolute path to use for binary, honoring the
// rule's search_path override (or DefaultSearchPath), and caching the
// result (hit or miss) for subsequent lookups of the same binary.
func Resolve(cache *Cache, binary, searchPath string) (string, bool) {
	if cache == nil {
		cache = NewCache()
	}

	if strings.HasPrefix(binary, "/") || strings.HasPrefix(binary, "./") {
		if resolved, found, cached := cache.get(binary); cached {
			return resolved, found
		}
		if _, err := os.Stat(binary); err != nil {
			cache.put(binary, "", false)
			return "", false
		}
		cache.put(binary, binary, true)
		return binary, true
	}

	if resolved, found, cached := cache.get(binary); cached {
		return resolved, found
	}

	if searchPath == "" {
		searchPath = DefaultSearchPath
	}

	for _, dir := range strings.Split(searchPath, ":") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		dir = strings.TrimRight(dir, "/")
		candidate := dir + "/" + binary
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cache.put(binary, candidate, true)
		return candidate, true
	}

	cache.put(binary, "", false)
	return "", false
}
