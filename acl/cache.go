package acl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"

	"github.com/kilndb/recordapi/sqlvalue"
)

// planTTL bounds how long a parsed Plan may sit in the shared cache
// before it's reparsed - long enough to matter for a hot Record API,
// short enough that a registry edit propagates without an explicit
// invalidation path.
const planTTL = 10 * time.Minute

// Compiler parses rule text into Plans once and reuses them across
// requests. The in-process tier is always present; a Redis tier is
// layered in when configured, so a freshly started process can reuse
// Plans another process already parsed rather than re-parsing every
// rule on cold start.
type Compiler struct {
	mu    sync.RWMutex
	local map[string]*Plan

	remote *cache.Cache // nil when no Redis backend is configured
}

// NewCompiler builds a Compiler with only the in-process tier.
func NewCompiler() *Compiler {
	return &Compiler{local: make(map[string]*Plan)}
}

// NewCompilerWithRemote layers remote (a configured go-redis/cache
// instance) underneath the in-process tier.
func NewCompilerWithRemote(remote *cache.Cache) *Compiler {
	return &Compiler{local: make(map[string]*Plan), remote: remote}
}

func (c *Compiler) planCacheKey(rule string) string {
	return fmt.Sprintf("acl:plan:%x", rule)
}

// Plan returns rule's parsed Plan, consulting the in-process cache,
// then the remote cache, then parsing from scratch.
func (c *Compiler) Plan(ctx context.Context, rule string) (*Plan, error) {
	c.mu.RLock()
	if p, ok := c.local[rule]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	if c.remote != nil {
		var cached Plan
		if err := c.remote.Get(ctx, c.planCacheKey(rule), &cached); err == nil {
			c.storeLocal(rule, &cached)
			return &cached, nil
		}
	}

	plan, err := ParsePlan(rule)
	if err != nil {
		return nil, err
	}
	c.storeLocal(rule, plan)

	if c.remote != nil {
		_ = c.remote.Set(&cache.Item{
			Ctx:   ctx,
			Key:   c.planCacheKey(rule),
			Value: plan,
			TTL:   planTTL,
		})
	}
	return plan, nil
}

func (c *Compiler) storeLocal(rule string, plan *Plan) {
	c.mu.Lock()
	c.local[rule] = plan
	c.mu.Unlock()
}

// Compile parses (or reuses a cached parse of) rule and renders it
// against bindCtx.
func (c *Compiler) Compile(ctx context.Context, rule string, bindCtx Context) (string, *sqlvalue.Params, error) {
	plan, err := c.Plan(ctx, rule)
	if err != nil {
		return "", nil, err
	}
	return plan.Render(bindCtx)
}

// Forget drops rule from the in-process tier and the remote tier,
// used when a registry edit changes a rule's text.
func (c *Compiler) Forget(ctx context.Context, rule string) {
	c.mu.Lock()
	delete(c.local, rule)
	c.mu.Unlock()
	if c.remote != nil {
		_ = c.remote.Delete(ctx, c.planCacheKey(rule))
	}
}
