package heart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseq/internal/config"
	"pulseq/internal/domain"
	"pulseq/internal/heart"
	"pulseq/internal/metrics"
	"pulseq/internal/ports"
	"pulseq/internal/queue"
	"pulseq/internal/rate"
	"pulseq/internal/registry"
)

const tick = 5 * time.Millisecond

func testCfg() config.Heart {
	return config.Heart{
		Period:            tick,
		Stages:            []string{"input", "processing", "output"},
		BaseCapacity:      3,
		CriticalBoost:     1.0,
		BoostCeiling:      0,
		BacklogMultiplier: 100, // keep the backlog boost out of the way
		BacklogBoost:      1.0,
		NearIdleDepth:     0,
		IdleShrinkAfter:   0,
		CapacityFloor:     1,
		StarvationBeats:   0,
		MetricsWindow:     16,
		InFlightWarnAfter: time.Hour,
	}
}

func newHeart(t *testing.T, cfg config.Heart, sink ports.DeadLetterSink) (*heart.Heart, *registry.Registry) {
	t.Helper()
	bank := queue.New(cfg.Stages, cfg.AutoCreateStages, cfg.MaxStageDepth)
	reg := registry.New()
	h := heart.New(cfg, bank, reg, rate.NewController(cfg), metrics.New(cfg.MetricsWindow), sink)
	t.Cleanup(h.Stop)
	return h, reg
}

// batchRecorder collects the id batches a subscriber receives, one slice
// per invocation.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *batchRecorder) fn(_ context.Context, _ string, items []*domain.WorkItem) error {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ids)
	return nil
}

func (r *batchRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func TestCapacityPacesDeliveryAcrossBeats(t *testing.T) {
	h, reg := newHeart(t, testCfg(), nil)
	rec := &batchRecorder{}
	reg.SubscribeFunc("rec", rec.fn, []string{"math"}, 0)

	// Five NORMAL items against base capacity 3: first beat releases the
	// first three in FIFO order, the next beat the remaining two.
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.Enqueue("input", domain.Payload{Type: "math", Data: i}, domain.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, time.Second, time.Millisecond)
	h.Stop()

	batches := rec.snapshot()
	assert.Equal(t, ids[:3], batches[0])
	assert.Equal(t, ids[3:], batches[1])
}

func TestCriticalDrainsBeforeNormal(t *testing.T) {
	cfg := testCfg()
	cfg.BaseCapacity = 2
	h, reg := newHeart(t, cfg, nil)
	rec := &batchRecorder{}
	reg.SubscribeFunc("rec", rec.fn, []string{"math"}, 0)

	var normals []string
	for i := 0; i < 4; i++ {
		id, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
		require.NoError(t, err)
		normals = append(normals, id)
	}
	crit, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityCritical)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, time.Millisecond)
	h.Stop()

	// The late-arriving CRITICAL item leads the first batch, followed by
	// the oldest NORMAL.
	first := rec.snapshot()[0]
	require.Len(t, first, 2)
	assert.Equal(t, crit, first[0])
	assert.Equal(t, normals[0], first[1])
}

func TestStopFiresNoFurtherBeats(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)
	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.BeatCount() >= 3 }, time.Second, time.Millisecond)

	h.Stop()
	assert.False(t, h.Running())
	beats := h.Metrics().Beats

	// The last beat's per-stage grants are retained; every configured
	// stage was empty, so every grant was zero.
	caps := h.CapacityPerQueue()
	require.Len(t, caps, 3)
	for stage, n := range caps {
		assert.Zero(t, n, "stage %s", stage)
	}

	time.Sleep(10 * tick)
	assert.Equal(t, beats, h.Metrics().Beats)

	// Idempotent.
	h.Stop()
}

func TestStartWhileRunningFails(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)
	require.NoError(t, h.Start())
	assert.ErrorIs(t, h.Start(), domain.ErrNotStopped)

	h.Stop()
	assert.NoError(t, h.Start())
}

func TestPeriodicFiresAtExactMultiples(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)

	var mu sync.Mutex
	var fired []uint64
	require.NoError(t, h.RegisterPeriodic(5, func(beat uint64) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, beat)
	}))
	assert.ErrorIs(t, h.RegisterPeriodic(0, func(uint64) {}), domain.ErrInvalidPeriod)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.BeatCount() >= 12 }, time.Second, time.Millisecond)
	h.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(fired), 2)
	assert.Equal(t, uint64(5), fired[0])
	assert.Equal(t, uint64(10), fired[1])
	for _, beat := range fired {
		assert.Zero(t, beat%5, "fired at beat %d", beat)
	}
}

func TestFailingPeriodicTaskIsolated(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)

	var mu sync.Mutex
	var fired int
	require.NoError(t, h.RegisterPeriodic(2, func(uint64) { panic("periodic boom") }))
	require.NoError(t, h.RegisterPeriodic(2, func(uint64) {
		mu.Lock()
		defer mu.Unlock()
		fired++
	}))

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 2
	}, time.Second, time.Millisecond)
}

func TestSubscriberErrorIsolatedAndAttributed(t *testing.T) {
	h, reg := newHeart(t, testCfg(), nil)
	rec := &batchRecorder{}
	reg.SubscribeFunc("bad", func(context.Context, string, []*domain.WorkItem) error {
		return errors.New("boom")
	}, []string{"math"}, 0)
	reg.SubscribeFunc("good", rec.fn, []string{"math"}, 1)

	_, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, time.Millisecond)
	h.Stop()

	snap := h.Metrics()
	assert.Equal(t, uint64(1), snap.ErrorsBySubscriber["bad"])
	assert.Equal(t, uint64(1), snap.ErrorsByClass[domain.ErrorClassHandler])
	assert.Zero(t, snap.ErrorsBySubscriber["good"])
}

func TestSynchronousCompletionFromHandler(t *testing.T) {
	h, reg := newHeart(t, testCfg(), nil)
	reg.SubscribeFunc("worker", func(_ context.Context, _ string, items []*domain.WorkItem) error {
		for _, item := range items {
			if err := h.Complete(item.ID, nil); err != nil {
				return err
			}
		}
		return nil
	}, []string{"math"}, 0)

	for i := 0; i < 3; i++ {
		_, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
		require.NoError(t, err)
	}

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.Metrics().Completed == 3 }, time.Second, time.Millisecond)
	assert.Zero(t, h.Metrics().InFlight)
}

type fakeSink struct {
	mu      sync.Mutex
	reasons map[string]string
}

func newFakeSink() *fakeSink { return &fakeSink{reasons: make(map[string]string)} }

func (s *fakeSink) Publish(_ context.Context, item *domain.WorkItem, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons[item.ID] = reason
	return nil
}

func (s *fakeSink) get(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reasons[id]
	return r, ok
}

func TestAllSubscribersFailingDeadLettersItems(t *testing.T) {
	sink := newFakeSink()
	h, reg := newHeart(t, testCfg(), sink)
	reg.SubscribeFunc("only", func(context.Context, string, []*domain.WorkItem) error {
		return errors.New("boom")
	}, []string{"math"}, 0)

	id, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool {
		_, ok := sink.get(id)
		return ok
	}, time.Second, time.Millisecond)
	h.Stop()

	reason, _ := sink.get(id)
	assert.Equal(t, string(domain.ErrorClassDeliveryFailed), reason)
	snap := h.Metrics()
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(1), snap.ErrorsByClass[domain.ErrorClassDeliveryFailed])
}

func TestCompleteWithErrorDeadLetters(t *testing.T) {
	sink := newFakeSink()
	h, reg := newHeart(t, testCfg(), sink)
	var itemID string
	var mu sync.Mutex
	reg.SubscribeFunc("worker", func(_ context.Context, _ string, items []*domain.WorkItem) error {
		mu.Lock()
		itemID = items[0].ID
		mu.Unlock()
		return nil
	}, []string{"math"}, 0)

	id, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return itemID != ""
	}, time.Second, time.Millisecond)

	require.NoError(t, h.Complete(id, errors.New("could not parse")))
	reason, ok := sink.get(id)
	require.True(t, ok)
	assert.Equal(t, "could not parse", reason)
	assert.Equal(t, uint64(1), h.Metrics().Failed)
}

func TestCompleteUnknownItem(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)
	assert.ErrorIs(t, h.Complete("nope", nil), domain.ErrUnknownItem)
}

func TestUnobservedItemsMarkedDone(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)

	for i := 0; i < 2; i++ {
		_, err := h.Enqueue("input", domain.Payload{Type: "nobody-cares"}, domain.PriorityNormal)
		require.NoError(t, err)
	}

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.Metrics().Unobserved == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, h.Metrics().InFlight)
}

func TestEnqueueInvalidStage(t *testing.T) {
	h, _ := newHeart(t, testCfg(), nil)
	_, err := h.Enqueue("ghost", domain.Payload{Type: "math"}, domain.PriorityNormal)
	assert.ErrorIs(t, err, domain.ErrInvalidStage)
}

func TestStarvationWarningSurfaced(t *testing.T) {
	cfg := testCfg()
	cfg.BaseCapacity = 1
	cfg.StarvationBeats = 3
	h, reg := newHeart(t, cfg, nil)
	reg.SubscribeFunc("rec", func(context.Context, string, []*domain.WorkItem) error { return nil },
		[]string{"math"}, 0)

	// A LOW item behind a pile of HIGH work with capacity 1 per beat
	// cannot drain; after three undrained beats the warning fires.
	for i := 0; i < 10; i++ {
		_, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityHigh)
		require.NoError(t, err)
	}
	_, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityLow)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool {
		return h.Metrics().StarvationWarnings["input/low"] >= 1
	}, time.Second, time.Millisecond)
}

func TestLongInFlightSurfaced(t *testing.T) {
	cfg := testCfg()
	cfg.InFlightWarnAfter = time.Millisecond
	h, reg := newHeart(t, cfg, nil)
	reg.SubscribeFunc("sloth", func(context.Context, string, []*domain.WorkItem) error {
		return nil // never completes the item
	}, []string{"math"}, 0)

	_, err := h.Enqueue("input", domain.Payload{Type: "math"}, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.Metrics().LongInFlight == 1 }, time.Second, time.Millisecond)
}
