package services

import (
	"context"
	"sync"
	"time"

	"github.com/yeremiapane/replisync/database"
)

// PrimaryResolver returns the node currently designated primary.
type PrimaryResolver interface {
	Primary(ctx context.Context) (*database.Node, error)
}

// PrimaryCache memoizes the designated primary for a TTL. Invalidate forces the
// next lookup to go back to the designation source.
type PrimaryCache struct {
	pool   *database.Pool
	source func() string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	name    string
	fetched time.Time
}

func NewPrimaryCache(pool *database.Pool, source func() string, ttl time.Duration) *PrimaryCache {
	return &PrimaryCache{pool: pool, source: source, ttl: ttl, now: time.Now}
}

// Name returns the cached primary name, refreshing it when expired.
func (c *PrimaryCache) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name == "" || c.now().Sub(c.fetched) >= c.ttl {
		c.name = c.source()
		c.fetched = c.now()
	}
	return c.name
}

func (c *PrimaryCache) Primary(_ context.Context) (*database.Node, error) {
	return c.pool.Get(c.Name())
}

func (c *PrimaryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = ""
	c.fetched = time.Time{}
}
