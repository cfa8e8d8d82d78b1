// Package middleware implements the pluggable request-processing pipeline
// of spec §4.7-4.8: priority-ordered middlewares operating over a shared
// request Context, each returning a Result that decides whether the
// chain continues, short-circuits, or fails.
//
// Grounded on the teacher's pkg/middleware (net/http-shaped, a single
// RequestLogger/RateLimitMiddleware pair) generalized into a transport-
// agnostic interface so the same chain can front HTTP, and on
// cache-manager/service.go's atomic Metrics struct for the per-middleware
// stats idiom.
package middleware

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Priority governs execution order: lower values run first in the
// request phase and last in the response phase.
type Priority int

const (
	PriorityHighest Priority = 1
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Context is the mutable per-request state threaded through every
// middleware. It is not safe for concurrent use — the chain is a
// sequential dialogue over a single request, per spec §5.
type Context struct {
	Method     string
	Path       string
	Headers    http.Header
	Query      map[string][]string
	Body       []byte
	RemoteAddr string

	// Response is populated once a middleware short-circuits the chain
	// or the origin handler has run; response-phase middlewares mutate
	// it in place (e.g. adding CORS or cache headers).
	Response *Response

	// MiddlewareData is the well-known-key bag written by one middleware
	// and read by a later one (e.g. "authentication_context").
	MiddlewareData map[string]interface{}

	// UserData mirrors individual authenticated-user fields for quick
	// access by downstream middlewares that don't care about the full
	// authentication context.
	UserData map[string]interface{}

	Errors []error

	StartedAt time.Time
}

// NewContext builds a Context ready for a chain Execute call.
func NewContext(method, path string, headers http.Header) *Context {
	return &Context{
		Method:         method,
		Path:           path,
		Headers:        headers,
		Query:          map[string][]string{},
		MiddlewareData: map[string]interface{}{},
		UserData:       map[string]interface{}{},
		StartedAt:      time.Now(),
	}
}

// Response is the HTTP-shaped response a middleware can synthesize (stop
// result) or that the origin handler produced (for response-phase
// middlewares to adjust).
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Result is returned by every ProcessRequest/ProcessResponse call.
type Result struct {
	Success  bool
	Continue bool
	Status   int
	Body     []byte
	Headers  map[string]string
	Err      error
	Meta     map[string]interface{}
}

// SuccessResult lets the chain proceed to the next middleware.
func SuccessResult() Result {
	return Result{Success: true, Continue: true}
}

// ErrorResult stops the chain with a terminal error.
func ErrorResult(err error) Result {
	return Result{Success: false, Continue: false, Err: err}
}

// StopResult short-circuits the chain with a synthesized response.
func StopResult(status int, body []byte) Result {
	return Result{Success: true, Continue: false, Status: status, Body: body}
}

// Middleware is the pluggable unit of request processing. Concrete
// middlewares normally embed Base to get a default ProcessResponse and
// lifecycle no-ops, overriding only what they need.
type Middleware interface {
	ID() string
	Priority() Priority
	Type() string
	Enabled() bool

	Initialize() error
	Shutdown() error

	ProcessRequest(ctx *Context) Result
	ProcessResponse(ctx *Context) Result
}

// Base gives a concrete middleware sane defaults: an enabled flag fixed
// by NewBase, no initialization/shutdown work, and a response phase that always
// succeeds. Embed it and override ProcessResponse/Initialize/Shutdown
// only where the middleware actually needs them.
type Base struct {
	id       string
	priority Priority
	kind     string
	enabled  bool
}

// NewBase constructs the embeddable defaults for a middleware.
func NewBase(id string, priority Priority, kind string, enabled bool) Base {
	return Base{id: id, priority: priority, kind: kind, enabled: enabled}
}

func (b Base) ID() string         { return b.id }
func (b Base) Priority() Priority { return b.priority }
func (b Base) Type() string       { return b.kind }
func (b Base) Enabled() bool      { return b.enabled }

func (b Base) Initialize() error { return nil }
func (b Base) Shutdown() error   { return nil }

func (b Base) ProcessResponse(ctx *Context) Result { return SuccessResult() }

// Stats tracks per-middleware (or per-processor) atomic counters.
type Stats struct {
	Processed       atomic.Uint64
	Succeeded       atomic.Uint64
	Failed          atomic.Uint64
	TotalDurationNs atomic.Uint64
}

// Record updates the counters for one invocation.
func (s *Stats) Record(success bool, d time.Duration) {
	s.Processed.Add(1)
	if success {
		s.Succeeded.Add(1)
	} else {
		s.Failed.Add(1)
	}
	s.TotalDurationNs.Add(uint64(d.Nanoseconds()))
}

// Snapshot is a point-in-time, non-atomic view of Stats for reporting.
type Snapshot struct {
	Processed  uint64
	Succeeded  uint64
	Failed     uint64
	AvgLatency time.Duration
}

// Snapshot reads the current counters into a plain struct.
func (s *Stats) Snapshot() Snapshot {
	processed := s.Processed.Load()
	snap := Snapshot{
		Processed: processed,
		Succeeded: s.Succeeded.Load(),
		Failed:    s.Failed.Load(),
	}
	if processed > 0 {
		snap.AvgLatency = time.Duration(s.TotalDurationNs.Load() / processed)
	}
	return snap
}
