package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPolicyNotFound is returned by a PolicySource for organizations without
// a stored policy.
var ErrPolicyNotFound = errors.New("retry policy not found")

// PolicySource loads an organization's raw JSON retry policy.
type PolicySource interface {
	RetryPolicy(ctx context.Context, organizationID string) ([]byte, error)
}

type cachedPolicy struct {
	policy   Policy
	loadedAt time.Time
}

// PolicyCache validates and caches per-organization policies. Lookups are
// concurrent; a miss takes the write lock for that load only.
type PolicyCache struct {
	source   PolicySource
	fallback Policy
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedPolicy
}

// NewPolicyCache creates a cache over source. A nil source always yields
// fallback.
func NewPolicyCache(source PolicySource, fallback Policy, ttl time.Duration, logger *slog.Logger) *PolicyCache {
	return &PolicyCache{
		source:   source,
		fallback: fallback,
		ttl:      ttl,
		logger:   logger.With("subsystem", "retry-policy"),
		now:      time.Now,
		entries:  make(map[string]cachedPolicy),
	}
}

// Lookup returns the organization's validated policy. A stored policy that
// fails validation is an error, not a silent fallback.
func (c *PolicyCache) Lookup(ctx context.Context, organizationID string) (Policy, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[organizationID]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || now.Sub(e.loadedAt) < c.ttl) {
		return e.policy, nil
	}

	if c.source == nil {
		return c.fallback, nil
	}

	raw, err := c.source.RetryPolicy(ctx, organizationID)
	var p Policy
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		p = c.fallback
	case err != nil:
		return Policy{}, fmt.Errorf("loading retry policy for %s: %w", organizationID, err)
	default:
		p, err = ParsePolicy(raw)
		if err != nil {
			c.logger.Error("rejected stored retry policy", "organization_id", organizationID, "error", err)
			return Policy{}, err
		}
	}

	c.mu.Lock()
	c.entries[organizationID] = cachedPolicy{policy: p, loadedAt: now}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a cached policy so the next lookup reloads it.
func (c *PolicyCache) Invalidate(organizationID string) {
	c.mu.Lock()
	delete(c.entries, organizationID)
	c.mu.Unlock()
}
