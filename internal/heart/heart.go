package heart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pulseq/internal/config"
	"pulseq/internal/domain"
	"pulseq/internal/metrics"
	"pulseq/internal/ports"
	"pulseq/internal/rate"
)

// Lifecycle states.
const (
	stateStopped int32 = iota
	stateRunning
	stateStopping
)

type periodicTask struct {
	everyN uint64
	fn     func(beat uint64)
}

// Heart drives the beat loop: each beat it asks the rate controller for
// per-stage capacity, drains the bank in priority order, groups released
// items by payload type and hands the groups to the registry in one
// batched delivery. Periodic tasks fire at beat-count multiples outside
// the delivery path.
//
// A single goroutine owns beat timing and all dequeueing; producers only
// ever touch the bank through Enqueue.
type Heart struct {
	cfg        config.Heart
	bank       ports.Bank
	registry   ports.Registry
	controller *rate.Controller
	metrics    *metrics.Metrics
	sink       ports.DeadLetterSink

	state  atomic.Int32
	beat   atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	periodic   []periodicTask
	inFlight   map[string]*domain.WorkItem
	starving   map[string]int // stage/tier -> consecutive undrained beats
	lastPulse  atomic.Int64   // duration of the most recent beat, ns
	capacities atomic.Value   // map[string]int, this beat's grants per stage
}

// New wires a heart from its collaborators. A nil sink disables
// dead-lettering.
func New(cfg config.Heart, bank ports.Bank, reg ports.Registry, ctrl *rate.Controller, m *metrics.Metrics, sink ports.DeadLetterSink) *Heart {
	if sink == nil {
		sink = noopSink{}
	}
	return &Heart{
		cfg:        cfg,
		bank:       bank,
		registry:   reg,
		controller: ctrl,
		metrics:    m,
		sink:       sink,
		inFlight:   make(map[string]*domain.WorkItem),
		starving:   make(map[string]int),
	}
}

// Enqueue creates a work item and places it in the named stage. Safe for
// concurrent producers; never blocks. Returns the assigned item id.
func (h *Heart) Enqueue(stage string, payload domain.Payload, priority domain.Priority) (string, error) {
	item := &domain.WorkItem{
		ID:         uuid.NewString(),
		Stage:      stage,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	if err := h.bank.Enqueue(item); err != nil {
		return "", err
	}
	h.metrics.Enqueued(stage)
	return item.ID, nil
}

// RegisterPeriodic fires fn every everyN beats, at exact multiples of the
// beat counter. The callback runs on the driver goroutine, isolated from
// delivery and from other periodic tasks.
func (h *Heart) RegisterPeriodic(everyN int, fn func(beat uint64)) error {
	if everyN <= 0 {
		return domain.ErrInvalidPeriod
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.periodic = append(h.periodic, periodicTask{everyN: uint64(everyN), fn: fn})
	return nil
}

// Start begins the beat loop on its own goroutine.
func (h *Heart) Start() error {
	if !h.state.CompareAndSwap(stateStopped, stateRunning) {
		return domain.ErrNotStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	log.Info().Dur("period", h.cfg.Period).Int("base_capacity", h.cfg.BaseCapacity).Msg("heart starting")
	go h.loop(ctx)
	return nil
}

// Stop halts the beat loop. The in-flight beat completes its delivery
// before Stop returns; no further beats fire afterward. Safe to call from
// any goroutine, idempotent.
func (h *Heart) Stop() {
	if !h.state.CompareAndSwap(stateRunning, stateStopping) {
		return
	}
	h.cancel()
	<-h.done
	h.state.Store(stateStopped)
	log.Info().Uint64("beats", h.beat.Load()).Msg("heart stopped")
}

// Running reports whether the beat loop is live.
func (h *Heart) Running() bool {
	return h.state.Load() == stateRunning
}

// BeatCount returns the number of completed beats.
func (h *Heart) BeatCount() uint64 {
	return h.beat.Load()
}

// LastPulseDuration returns the wall-clock time the most recent beat took.
func (h *Heart) LastPulseDuration() time.Duration {
	return time.Duration(h.lastPulse.Load())
}

// CapacityPerQueue returns the release counts granted per stage on the
// most recent beat.
func (h *Heart) CapacityPerQueue() map[string]int {
	caps, _ := h.capacities.Load().(map[string]int)
	out := make(map[string]int, len(caps))
	for stage, n := range caps {
		out[stage] = n
	}
	return out
}

// Metrics returns a point-in-time telemetry snapshot.
func (h *Heart) Metrics() metrics.Snapshot {
	return h.metrics.Snapshot()
}

func (h *Heart) loop(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		h.pulse(ctx)
		elapsed := time.Since(start)

		// Never sleep less than 10% of the period, and halve the sleep
		// while urgent items wait.
		sleep := h.cfg.Period - elapsed
		if floor := h.cfg.Period / 10; sleep < floor {
			sleep = floor
		}
		if h.bank.HasUrgent() {
			sleep /= 2
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pulse executes one beat. Any panic escaping the beat body is caught
// here so a single bad beat never stops future ones.
func (h *Heart) pulse(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Uint64("beat", h.beat.Load()).Msg("beat panicked")
		}
	}()

	start := time.Now()
	beat := h.beat.Add(1)

	batches := make(map[string][]*domain.WorkItem)
	depths := make(map[string]int)
	granted := make(map[string]int)
	released := 0

	for _, stage := range h.bank.Stages() {
		byTier := h.bank.DepthByPriority(stage)
		capacity := h.controller.Capacity(beat, stage, byTier)
		granted[stage] = capacity

		items, err := h.bank.DequeueBatch(stage, capacity)
		if err != nil {
			log.Error().Err(err).Str("stage", stage).Msg("dequeue failed")
			continue
		}
		h.trackStarvation(stage, byTier, items)

		for _, item := range items {
			batches[item.Payload.Type] = append(batches[item.Payload.Type], item)
		}
		released += len(items)
		depths[stage] = h.bank.Depth(stage)
	}

	if released > 0 {
		h.deliver(ctx, batches)
	}

	h.firePeriodic(beat)

	elapsed := time.Since(start)
	h.lastPulse.Store(int64(elapsed))
	h.capacities.Store(granted)
	h.metrics.RecordBeat(elapsed, depths, h.inFlightCount(), h.longInFlightCount())

	if beat < 5 || beat%10 == 0 {
		log.Debug().Uint64("beat", beat).Int("released", released).Dur("took", elapsed).Msg("pulse")
	}
}

// deliver hands this beat's batches to the registry in a single call and
// settles item states from the report. Items go in-flight before the
// call so a subscriber may Complete them synchronously from its handler.
func (h *Heart) deliver(ctx context.Context, batches map[string][]*domain.WorkItem) {
	now := time.Now()
	h.mu.Lock()
	for _, items := range batches {
		for _, item := range items {
			t := now
			item.StartedAt = &t
			item.State = domain.StateInFlight
			h.inFlight[item.ID] = item
		}
	}
	h.mu.Unlock()

	report := h.registry.Deliver(ctx, batches)

	for _, f := range report.Failures {
		log.Warn().Err(f.Err).Str("subscriber", f.Subscriber).Str("event_type", f.EventType).
			Int("items", len(f.Items)).Msg("delivery failed")
		h.metrics.DeliveryError(f.Subscriber, f.Class)
	}
	for _, name := range report.Pruned {
		log.Debug().Str("subscriber", name).Msg("pruned dead subscriber")
	}
	for sub, n := range report.DeliveredTo {
		h.metrics.DeliveredTo(sub, n)
	}

	for eventType, items := range batches {
		switch {
		case report.Matched[eventType] == 0:
			// No live subscriber: mark DONE with no observer.
			for _, item := range items {
				if h.takeInFlight(item.ID) {
					h.settle(item, domain.StateDone, "")
				}
			}
			h.metrics.Unobserved(len(items))
		case report.Succeeded[eventType] == 0:
			// Every matching subscriber failed; the items will never be
			// completed, so fail them now.
			for _, item := range items {
				if !h.takeInFlight(item.ID) {
					continue
				}
				h.settle(item, domain.StateError, string(domain.ErrorClassDeliveryFailed))
				h.deadLetter(ctx, item, string(domain.ErrorClassDeliveryFailed))
				h.metrics.Completed(domain.ErrorClassDeliveryFailed, true)
			}
		default:
			// Items stay IN_FLIGHT until a subscriber completes them.
			h.metrics.Delivered(eventType, len(items))
		}
	}
}

// takeInFlight removes an item from the in-flight set, reporting whether
// it was still there. A subscriber may already have completed it.
func (h *Heart) takeInFlight(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inFlight[id]; !ok {
		return false
	}
	delete(h.inFlight, id)
	return true
}

// Complete resolves an in-flight item. Subscribers call this when they
// finish processing; a nil err marks the item DONE, otherwise ERROR with
// the error text as the classified reason.
func (h *Heart) Complete(id string, procErr error) error {
	h.mu.Lock()
	item, ok := h.inFlight[id]
	if ok {
		delete(h.inFlight, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("complete %q: %w", id, domain.ErrUnknownItem)
	}

	if procErr != nil {
		h.settle(item, domain.StateError, procErr.Error())
		h.deadLetter(context.Background(), item, procErr.Error())
		h.metrics.Completed(domain.ErrorClassProcessing, true)
		return nil
	}
	h.settle(item, domain.StateDone, "")
	h.metrics.Completed("", false)
	return nil
}

func (h *Heart) settle(item *domain.WorkItem, state domain.State, reason string) {
	now := time.Now()
	item.State = state
	item.Error = reason
	item.CompletedAt = &now
}

func (h *Heart) deadLetter(ctx context.Context, item *domain.WorkItem, reason string) {
	if err := h.sink.Publish(ctx, item, reason); err != nil {
		log.Error().Err(err).Str("item", item.ID).Msg("dead-letter publish failed")
	}
}

// firePeriodic runs every registered task whose interval divides the
// current beat. A failing task is isolated and logged.
func (h *Heart) firePeriodic(beat uint64) {
	h.mu.Lock()
	tasks := make([]periodicTask, len(h.periodic))
	copy(tasks, h.periodic)
	h.mu.Unlock()

	for _, t := range tasks {
		if beat%t.everyN != 0 {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Uint64("beat", beat).
						Uint64("every_n", t.everyN).Msg("periodic task panicked")
				}
			}()
			t.fn(beat)
		}()
	}
}

// trackStarvation counts consecutive beats in which a non-empty tier
// released nothing, and raises a warning through metrics once the count
// reaches the configured threshold.
func (h *Heart) trackStarvation(stage string, byTier map[domain.Priority]int, released []*domain.WorkItem) {
	if h.cfg.StarvationBeats <= 0 {
		return
	}

	drained := make(map[domain.Priority]bool)
	for _, item := range released {
		drained[item.Priority] = true
	}

	for _, tier := range domain.Priorities() {
		key := stage + "/" + tier.String()
		if byTier[tier] == 0 || drained[tier] {
			h.starving[key] = 0
			continue
		}
		h.starving[key]++
		if h.starving[key] >= h.cfg.StarvationBeats {
			h.metrics.Starvation(stage, tier)
			h.starving[key] = 0
		}
	}
}

func (h *Heart) inFlightCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inFlight)
}

func (h *Heart) longInFlightCount() int {
	if h.cfg.InFlightWarnAfter <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-h.cfg.InFlightWarnAfter)
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, item := range h.inFlight {
		if item.StartedAt != nil && item.StartedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

type noopSink struct{}

func (noopSink) Publish(context.Context, *domain.WorkItem, string) error { return nil }
