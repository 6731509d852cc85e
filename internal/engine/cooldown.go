package engine

import (
	"sync"
	"time"
)

// Cooldown throttles repeated log lines per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: func() time.Time { return time.Now().UTC() }}
}

func (c *Cooldown) Allow(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}

func (c *Cooldown) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}
