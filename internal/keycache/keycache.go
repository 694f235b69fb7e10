// Package keycache caches parsed RSA public keys keyed by their raw PEM
// bytes, so the assembly's outbound path doesn't re-parse ASN.1 on every
// recipient-key import during fanout.
package keycache

import (
	"crypto/rsa"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/chatfabric/eventbus/internal/security"
)

// Cache wraps a ristretto in-memory cache specialized to *rsa.PublicKey
// values, string-keyed by the raw PEM bytes.
type Cache struct {
	c *ristretto.Cache[string, *rsa.PublicKey]
}

// New builds a key cache sized for a modest number of distinct peers; the
// counters/cost values mirror ristretto's own sizing guidance (10x the
// expected item count, 1 cost unit per entry).
func New() (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *rsa.PublicKey]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("keycache: new cache: %w", err)
	}
	return &Cache{c: c}, nil
}

// Import returns the parsed public key for pemBytes, using the cache when
// possible and parsing (then caching) on a miss.
func (c *Cache) Import(pemBytes []byte) (*rsa.PublicKey, error) {
	key := string(pemBytes)
	if cached, ok := c.c.Get(key); ok {
		return cached, nil
	}
	parsed, err := security.ImportPublic(pemBytes)
	if err != nil {
		return nil, err
	}
	c.c.Set(key, parsed, 1)
	return parsed, nil
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.c.Close()
}
