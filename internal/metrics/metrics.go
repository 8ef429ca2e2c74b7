package metrics

import (
	"sync"
	"time"

	"pulseq/internal/domain"
)

// Metrics keeps rolling counters and a bounded window of beat durations.
// Nothing here grows with the number of items processed; per-key maps are
// bounded by the number of stages, payload types, and subscribers.
type Metrics struct {
	mu sync.Mutex

	window []time.Duration // ring of recent beat durations
	next   int
	filled int

	beats              uint64
	lastBeatAt         time.Time
	lastBeatDuration   time.Duration
	enqueuedByStage    map[string]uint64
	depthByStage       map[string]int
	deliveredByType    map[string]uint64
	deliveredTo        map[string]uint64
	errorsByClass      map[domain.ErrorClass]uint64
	errorsBySubscriber map[string]uint64
	completed          uint64
	failed             uint64
	unobserved         uint64
	starvation         map[string]uint64
	longInFlight       int
	inFlight           int
}

func New(window int) *Metrics {
	if window <= 0 {
		window = 100
	}
	return &Metrics{
		window:             make([]time.Duration, window),
		enqueuedByStage:    make(map[string]uint64),
		depthByStage:       make(map[string]int),
		deliveredByType:    make(map[string]uint64),
		deliveredTo:        make(map[string]uint64),
		errorsByClass:      make(map[domain.ErrorClass]uint64),
		errorsBySubscriber: make(map[string]uint64),
		starvation:         make(map[string]uint64),
	}
}

// RecordBeat stores one beat's duration in the rolling window and the
// latest queue-depth and in-flight gauges.
func (m *Metrics) RecordBeat(d time.Duration, depths map[string]int, inFlight, longInFlight int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.beats++
	m.lastBeatAt = time.Now()
	m.lastBeatDuration = d
	m.window[m.next] = d
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	for stage, depth := range depths {
		m.depthByStage[stage] = depth
	}
	m.inFlight = inFlight
	m.longInFlight = longInFlight
}

func (m *Metrics) Enqueued(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueuedByStage[stage]++
}

func (m *Metrics) Delivered(eventType string, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveredByType[eventType] += uint64(items)
}

func (m *Metrics) DeliveredTo(subscriber string, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveredTo[subscriber] += uint64(items)
}

// DeliveryError attributes one classified failure to a subscriber.
func (m *Metrics) DeliveryError(subscriber string, class domain.ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorsByClass[class]++
	m.errorsBySubscriber[subscriber]++
}

func (m *Metrics) Completed(class domain.ErrorClass, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failed {
		m.failed++
		m.errorsByClass[class]++
		return
	}
	m.completed++
}

func (m *Metrics) Unobserved(items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unobserved += uint64(items)
}

// Starvation records that a non-empty tier went undrained for the
// configured number of consecutive beats.
func (m *Metrics) Starvation(stage string, tier domain.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starvation[stage+"/"+tier.String()]++
}

// Snapshot is a point-in-time copy safe to hand to monitoring.
type Snapshot struct {
	Beats              uint64                      `json:"beats"`
	LastBeatAt         time.Time                   `json:"last_beat_at"`
	LastBeatDuration   time.Duration               `json:"last_beat_duration_ns"`
	AvgBeatDuration    time.Duration               `json:"avg_beat_duration_ns"`
	MaxBeatDuration    time.Duration               `json:"max_beat_duration_ns"`
	EnqueuedByStage    map[string]uint64           `json:"enqueued_by_stage"`
	DepthByStage       map[string]int              `json:"depth_by_stage"`
	DeliveredByType    map[string]uint64           `json:"delivered_by_type"`
	DeliveredTo        map[string]uint64           `json:"delivered_to"`
	ErrorsByClass      map[domain.ErrorClass]uint64 `json:"errors_by_class"`
	ErrorsBySubscriber map[string]uint64           `json:"errors_by_subscriber"`
	Completed          uint64                      `json:"completed"`
	Failed             uint64                      `json:"failed"`
	Unobserved         uint64                      `json:"unobserved"`
	StarvationWarnings map[string]uint64           `json:"starvation_warnings"`
	InFlight           int                         `json:"in_flight"`
	LongInFlight       int                         `json:"long_in_flight"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum, maxD time.Duration
	for i := 0; i < m.filled; i++ {
		d := m.window[i]
		sum += d
		if d > maxD {
			maxD = d
		}
	}
	var avg time.Duration
	if m.filled > 0 {
		avg = sum / time.Duration(m.filled)
	}

	return Snapshot{
		Beats:              m.beats,
		LastBeatAt:         m.lastBeatAt,
		LastBeatDuration:   m.lastBeatDuration,
		AvgBeatDuration:    avg,
		MaxBeatDuration:    maxD,
		EnqueuedByStage:    copyMap(m.enqueuedByStage),
		DepthByStage:       copyMap(m.depthByStage),
		DeliveredByType:    copyMap(m.deliveredByType),
		DeliveredTo:        copyMap(m.deliveredTo),
		ErrorsByClass:      copyMap(m.errorsByClass),
		ErrorsBySubscriber: copyMap(m.errorsBySubscriber),
		Completed:          m.completed,
		Failed:             m.failed,
		Unobserved:         m.unobserved,
		StarvationWarnings: copyMap(m.starvation),
		InFlight:           m.inFlight,
		LongInFlight:       m.longInFlight,
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
