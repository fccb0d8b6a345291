package trust

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fileStamp is the (mtime, size) tuple a Cache entry is invalidated against
// (spec.md §4.9).
type fileStamp struct {
	modTime time.Time
	size    int64
}

type statSet map[string]fileStamp

// dirCertCache is a Cache (spec.md §4.9) specialized to "directory of PEM
// files -> parsed certificate pool", as used by TrustContext for its ca/
// and blocked/ subdirectories. The hashicorp/golang-lru/v2 store backs a
// single keyed entry per directory; the interesting behavior is the
// stat-based invalidation, not eviction (one Context needs at most two
// entries), but reusing the pack's LRU keeps the caching layer on the same
// library the rest of the module uses rather than a bespoke map.
type dirCertCache struct {
	dir              string
	minRefresh       time.Duration
	mu               sync.Mutex
	store            *lru.Cache[string, *certPool]
	lastStatAt       time.Time
	lastStats        statSet
}

type certPool struct {
	certs []*x509.Certificate
	pool  *x509.CertPool
}

func newDirCertCache(dir string) *dirCertCache {
	store, _ := lru.New[string, *certPool](1)
	return &dirCertCache{dir: dir, minRefresh: 200 * time.Millisecond, store: store}
}

// pool returns the current parsed certificate pool for the directory,
// reusing the cached value unless the directory's contents changed since
// the last refresh (rate-limited by minRefresh).
func (c *dirCertCache) pool() (*certPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastStatAt) < c.minRefresh {
		if v, ok := c.store.Get(c.dir); ok {
			return v, nil
		}
	}

	stats, err := statDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			empty := &certPool{pool: x509.NewCertPool()}
			c.store.Add(c.dir, empty)
			c.lastStatAt = now
			c.lastStats = stats
			return empty, nil
		}
		return nil, err
	}

	c.lastStatAt = now
	if v, ok := c.store.Get(c.dir); ok && statSetsEqual(c.lastStats, stats) {
		return v, nil
	}
	c.lastStats = stats

	built, err := buildCertPool(c.dir, stats)
	if err != nil {
		return nil, err
	}
	c.store.Add(c.dir, built)
	return built, nil
}

func buildCertPool(dir string, stats statSet) (*certPool, error) {
	pool := x509.NewCertPool()
	var certs []*x509.Certificate
	for path := range stats {
		chain, err := loadCertChain(path)
		if err != nil {
			continue // a malformed or oversize file is skipped, not fatal
		}
		for _, cert := range chain {
			pool.AddCert(cert)
			certs = append(certs, cert)
		}
	}
	return &certPool{certs: certs, pool: pool}, nil
}

func statDir(dir string) (statSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	stats := make(statSet, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats[filepath.Join(dir, e.Name())] = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	return stats, nil
}

func statSetsEqual(a, b statSet) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.modTime.Equal(bv.modTime) || av.size != bv.size {
			return false
		}
	}
	return true
}
