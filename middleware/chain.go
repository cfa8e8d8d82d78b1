package middleware

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/otero/cachefabric/pkg/errs"
)

// Chain owns a registered set of middlewares and serves up the
// priority-sorted, enabled subset used by a Processor. Sorting is cached
// until the registered set changes, per spec §4.8.
type Chain struct {
	mu      sync.RWMutex
	byID    map[string]Middleware
	ids     []string // insertion order, used to break priority ties
	sorted  []Middleware
	dirty   bool
}

// NewChain returns an empty Chain.
func NewChain() *Chain {
	return &Chain{byID: make(map[string]Middleware), dirty: true}
}

// Add registers a middleware. Adding a duplicate id fails without
// mutating the chain.
func (c *Chain) Add(m Middleware) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[m.ID()]; exists {
		return fmt.Errorf("middleware: duplicate id %q", m.ID())
	}
	c.byID[m.ID()] = m
	c.ids = append(c.ids, m.ID())
	c.dirty = true
	return nil
}

// Remove unregisters a middleware by id.
func (c *Chain) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[id]; !exists {
		return
	}
	delete(c.byID, id)
	for i, existing := range c.ids {
		if existing == id {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			break
		}
	}
	c.dirty = true
}

// sortedEnabled returns the enabled middlewares in priority order, ties
// broken by registration order. Cached until the set mutates.
func (c *Chain) sortedEnabled() []Middleware {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return c.sorted
	}

	out := make([]Middleware, 0, len(c.ids))
	order := make(map[string]int, len(c.ids))
	for i, id := range c.ids {
		order[id] = i
		if m := c.byID[id]; m != nil && m.Enabled() {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return order[out[i].ID()] < order[out[j].ID()]
	})

	c.sorted = out
	c.dirty = false
	return out
}

// Processor runs the two-phase request/response dialogue over a Chain,
// isolating panics per middleware and tracking per-middleware and
// aggregate stats.
type Processor struct {
	chain *Chain

	statsMu        sync.Mutex
	perMiddleware  map[string]*Stats
	aggregate      Stats

	deadline time.Duration
}

// NewProcessor builds a Processor over chain. deadline, if positive,
// bounds how long Execute spends in the request phase before
// synthesizing a cancellation error (cooperative: the current middleware
// is allowed to finish, matching spec §5's cooperative cancellation).
func NewProcessor(chain *Chain, deadline time.Duration) *Processor {
	return &Processor{
		chain:         chain,
		perMiddleware: make(map[string]*Stats),
		deadline:      deadline,
	}
}

func (p *Processor) statsFor(id string) *Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s, ok := p.perMiddleware[id]
	if !ok {
		s = &Stats{}
		p.perMiddleware[id] = s
	}
	return s
}

// MiddlewareStats returns a snapshot of one middleware's counters.
func (p *Processor) MiddlewareStats(id string) Snapshot {
	return p.statsFor(id).Snapshot()
}

// AggregateStats returns a snapshot of the processor-wide counters.
func (p *Processor) AggregateStats() Snapshot {
	return p.aggregate.Snapshot()
}

// Execute runs the request phase, then (if a response exists) the
// response phase in reverse priority order.
func (p *Processor) Execute(ctx *Context) Result {
	deadline := time.Time{}
	if p.deadline > 0 {
		deadline = time.Now().Add(p.deadline)
	}

	members := p.chain.sortedEnabled()

	for _, m := range members {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return p.finish(ctx, ErrorResult(fmt.Errorf("middleware: request deadline exceeded")))
		}

		result := p.invokeRequest(m, ctx)
		if result.Err != nil {
			ctx.Errors = append(ctx.Errors, result.Err)
			return p.finish(ctx, result)
		}
		if !result.Continue {
			ctx.Response = &Response{Status: result.Status, Body: result.Body, Headers: headersFrom(result.Headers)}
			break
		}
	}

	if ctx.Response != nil {
		p.runResponsePhase(members, ctx)
	}

	return p.finish(ctx, SuccessResult())
}

func (p *Processor) runResponsePhase(members []Middleware, ctx *Context) {
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		result := p.invokeResponse(m, ctx)
		if result.Err != nil {
			ctx.Errors = append(ctx.Errors, result.Err)
		}
	}
}

func (p *Processor) invokeRequest(m Middleware, ctx *Context) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(fmt.Errorf("%w: %s panicked: %v", errs.ErrMiddlewarePanic, m.ID(), r))
		}
		p.recordResult(m.ID(), result, time.Since(start))
	}()
	result = m.ProcessRequest(ctx)
	return result
}

func (p *Processor) invokeResponse(m Middleware, ctx *Context) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(fmt.Errorf("%w: %s panicked: %v", errs.ErrMiddlewarePanic, m.ID(), r))
		}
		p.recordResult(m.ID(), result, time.Since(start))
	}()
	result = m.ProcessResponse(ctx)
	return result
}

func (p *Processor) recordResult(id string, result Result, d time.Duration) {
	success := result.Err == nil
	p.statsFor(id).Record(success, d)
	p.aggregate.Record(success, d)
}

func (p *Processor) finish(ctx *Context, result Result) Result {
	return result
}

func headersFrom(h map[string]string) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = []string{v}
	}
	return out
}
