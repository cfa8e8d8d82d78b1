package middleware_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/middleware"
)

type recordingMiddleware struct {
	middleware.Base
	requestResult  middleware.Result
	responseResult *middleware.Result
	onRequest      func(ctx *middleware.Context)
	onResponse     func(ctx *middleware.Context)
	panicOnRequest bool
}

func newRecordingMiddleware(id string, priority middleware.Priority, result middleware.Result) *recordingMiddleware {
	return &recordingMiddleware{
		Base:          middleware.NewBase(id, priority, "test", true),
		requestResult: result,
	}
}

func (m *recordingMiddleware) ProcessRequest(ctx *middleware.Context) middleware.Result {
	if m.onRequest != nil {
		m.onRequest(ctx)
	}
	if m.panicOnRequest {
		panic("boom")
	}
	return m.requestResult
}

func (m *recordingMiddleware) ProcessResponse(ctx *middleware.Context) middleware.Result {
	if m.onResponse != nil {
		m.onResponse(ctx)
	}
	if m.responseResult != nil {
		return *m.responseResult
	}
	return middleware.SuccessResult()
}

func TestChainAddRejectsDuplicateIDWithoutMutation(t *testing.T) {
	chain := middleware.NewChain()
	a := newRecordingMiddleware("dup", middleware.PriorityNormal, middleware.SuccessResult())
	b := newRecordingMiddleware("dup", middleware.PriorityHigh, middleware.SuccessResult())

	require.NoError(t, chain.Add(a))
	err := chain.Add(b)
	require.Error(t, err)

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)
	assert.Equal(t, uint64(1), proc.MiddlewareStats("dup").Processed)
}

func TestProcessorRunsRequestPhaseInPriorityOrderWithInsertionTiebreak(t *testing.T) {
	chain := middleware.NewChain()
	var order []string

	low := newRecordingMiddleware("low", middleware.PriorityLow, middleware.SuccessResult())
	low.onRequest = func(ctx *middleware.Context) { order = append(order, "low") }

	highestFirst := newRecordingMiddleware("highest-a", middleware.PriorityHighest, middleware.SuccessResult())
	highestFirst.onRequest = func(ctx *middleware.Context) { order = append(order, "highest-a") }

	highestSecond := newRecordingMiddleware("highest-b", middleware.PriorityHighest, middleware.SuccessResult())
	highestSecond.onRequest = func(ctx *middleware.Context) { order = append(order, "highest-b") }

	require.NoError(t, chain.Add(low))
	require.NoError(t, chain.Add(highestFirst))
	require.NoError(t, chain.Add(highestSecond))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)

	assert.Equal(t, []string{"highest-a", "highest-b", "low"}, order)
}

func TestProcessorShortCircuitsOnStopAndSkipsLaterRequestPhaseMiddlewares(t *testing.T) {
	chain := middleware.NewChain()
	var ran []string

	stopper := newRecordingMiddleware("stopper", middleware.PriorityHigh, middleware.StopResult(404, []byte("nope")))
	stopper.onRequest = func(ctx *middleware.Context) { ran = append(ran, "stopper") }

	never := newRecordingMiddleware("never", middleware.PriorityLow, middleware.SuccessResult())
	never.onRequest = func(ctx *middleware.Context) { ran = append(ran, "never") }

	require.NoError(t, chain.Add(stopper))
	require.NoError(t, chain.Add(never))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)

	assert.Equal(t, []string{"stopper"}, ran)
	require.NotNil(t, ctx.Response)
	assert.Equal(t, 404, ctx.Response.Status)
	assert.Equal(t, []byte("nope"), ctx.Response.Body)
}

func TestProcessorTreatsErrorAsTerminalAndSkipsResponsePhase(t *testing.T) {
	chain := middleware.NewChain()
	var responseRan bool

	failing := newRecordingMiddleware("failing", middleware.PriorityHigh, middleware.ErrorResult(fmt.Errorf("kaboom")))
	never := newRecordingMiddleware("never", middleware.PriorityLow, middleware.SuccessResult())
	never.onResponse = func(ctx *middleware.Context) { responseRan = true }

	require.NoError(t, chain.Add(failing))
	require.NoError(t, chain.Add(never))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	result := proc.Execute(ctx)

	require.Error(t, result.Err)
	assert.Len(t, ctx.Errors, 1)
	assert.Nil(t, ctx.Response)
	assert.False(t, responseRan)
}

func TestProcessorRunsResponsePhaseInReversePriorityOrder(t *testing.T) {
	chain := middleware.NewChain()
	var order []string

	first := newRecordingMiddleware("first", middleware.PriorityHigh, middleware.SuccessResult())
	first.onResponse = func(ctx *middleware.Context) { order = append(order, "first") }

	second := newRecordingMiddleware("second", middleware.PriorityNormal, middleware.StopResult(200, []byte("ok")))
	second.onResponse = func(ctx *middleware.Context) { order = append(order, "second") }

	third := newRecordingMiddleware("third", middleware.PriorityLow, middleware.SuccessResult())
	third.onResponse = func(ctx *middleware.Context) { order = append(order, "third") }

	require.NoError(t, chain.Add(first))
	require.NoError(t, chain.Add(second))
	require.NoError(t, chain.Add(third))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)

	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestProcessorRecoversPanicAndRecordsItAsAnError(t *testing.T) {
	chain := middleware.NewChain()
	panicker := newRecordingMiddleware("panicker", middleware.PriorityNormal, middleware.SuccessResult())
	panicker.panicOnRequest = true

	require.NoError(t, chain.Add(panicker))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	result := proc.Execute(ctx)

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panicker")
	snap := proc.MiddlewareStats("panicker")
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestDisabledMiddlewareIsSkipped(t *testing.T) {
	chain := middleware.NewChain()
	disabled := &recordingMiddleware{
		Base:          middleware.NewBase("disabled", middleware.PriorityHighest, "test", false),
		requestResult: middleware.StopResult(500, nil),
	}
	require.NoError(t, chain.Add(disabled))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	result := proc.Execute(ctx)

	assert.True(t, result.Success)
	assert.Nil(t, ctx.Response)
	assert.Equal(t, uint64(0), proc.MiddlewareStats("disabled").Processed)
}

func TestStatsTrackAverageLatencyAndAggregate(t *testing.T) {
	chain := middleware.NewChain()
	slow := newRecordingMiddleware("slow", middleware.PriorityNormal, middleware.SuccessResult())
	slow.onRequest = func(ctx *middleware.Context) { time.Sleep(time.Millisecond) }
	require.NoError(t, chain.Add(slow))

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)

	snap := proc.MiddlewareStats("slow")
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Greater(t, snap.AvgLatency, time.Duration(0))

	agg := proc.AggregateStats()
	assert.Equal(t, uint64(1), agg.Processed)
}

func TestChainRemoveInvalidatesSortedCache(t *testing.T) {
	chain := middleware.NewChain()
	var ran []string
	a := newRecordingMiddleware("a", middleware.PriorityNormal, middleware.SuccessResult())
	a.onRequest = func(ctx *middleware.Context) { ran = append(ran, "a") }
	b := newRecordingMiddleware("b", middleware.PriorityNormal, middleware.SuccessResult())
	b.onRequest = func(ctx *middleware.Context) { ran = append(ran, "b") }

	require.NoError(t, chain.Add(a))
	require.NoError(t, chain.Add(b))
	chain.Remove("a")

	proc := middleware.NewProcessor(chain, 0)
	ctx := middleware.NewContext("GET", "/x", nil)
	proc.Execute(ctx)

	assert.Equal(t, []string{"b"}, ran)
}
