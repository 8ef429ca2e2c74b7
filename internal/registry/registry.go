package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"weak"

	"pulseq/internal/domain"
	"pulseq/internal/ports"
)

var _ ports.Registry = (*Registry)(nil)

// Handler receives one batched call per event type per beat with every
// item of that type released in the beat.
type Handler interface {
	HandleBatch(ctx context.Context, eventType string, items []*domain.WorkItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, eventType string, items []*domain.WorkItem) error

func (f HandlerFunc) HandleBatch(ctx context.Context, eventType string, items []*domain.WorkItem) error {
	return f(ctx, eventType, items)
}

type subscription struct {
	name  string
	types map[string]struct{}
	hint  int
	// resolve returns nil once the subscriber has been collected; the
	// entry is then pruned on the next delivery attempt.
	resolve func() Handler
}

// Registry maps payload types to interested subscribers and performs the
// per-beat batched delivery. Dead weak handles are pruned lazily and are
// never delivered to.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func New() *Registry {
	return &Registry{subs: make(map[string]*subscription)}
}

// Subscribe registers component under name with a non-owning handle: the
// registry never keeps the component alive. Re-registering the same name
// replaces the previous subscription, so delivery is never duplicated.
// A lower hint is invoked earlier among subscribers of the same type.
func Subscribe[T any, PT interface {
	Handler
	*T
}](r *Registry, name string, component PT, eventTypes []string, hint int) {
	wp := weak.Make((*T)(component))
	r.add(name, eventTypes, hint, func() Handler {
		if p := wp.Value(); p != nil {
			return PT(p)
		}
		return nil
	})
}

// SubscribeFunc registers a function handler. Function handlers have no
// lifetime of their own, so the reference is held strongly; use
// Unsubscribe to remove them.
func (r *Registry) SubscribeFunc(name string, fn HandlerFunc, eventTypes []string, hint int) {
	r.add(name, eventTypes, hint, func() Handler { return fn })
}

func (r *Registry) add(name string, eventTypes []string, hint int, resolve func() Handler) {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[name] = &subscription{name: name, types: types, hint: hint, resolve: resolve}
}

// Unsubscribe removes a subscription; no-op if absent.
func (r *Registry) Unsubscribe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, name)
}

// Has reports whether a live-or-not subscription exists under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[name]
	return ok
}

// Len returns the number of registered subscriptions, dead or alive.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Deliver resolves each event type to its current live subscribers and
// invokes each exactly once with the full batch for that type. Handler
// errors and panics are isolated per subscriber and reported, never
// propagated. Subscriptions whose weak handle has died are pruned.
//
// Handlers run without the registry lock held, so a handler may call
// Subscribe or Unsubscribe.
func (r *Registry) Deliver(ctx context.Context, batches map[string][]*domain.WorkItem) ports.DeliveryReport {
	report := ports.DeliveryReport{
		Matched:     make(map[string]int, len(batches)),
		Succeeded:   make(map[string]int, len(batches)),
		DeliveredTo: make(map[string]int),
	}

	type target struct {
		sub     *subscription
		handler Handler
	}
	dead := make(map[string]*subscription)

	for eventType, items := range batches {
		if len(items) == 0 {
			continue
		}

		var targets []target
		r.mu.RLock()
		for _, sub := range r.subs {
			if _, ok := sub.types[eventType]; !ok {
				continue
			}
			h := sub.resolve()
			if h == nil {
				dead[sub.name] = sub
				continue
			}
			targets = append(targets, target{sub: sub, handler: h})
		}
		r.mu.RUnlock()

		sort.Slice(targets, func(i, j int) bool {
			if targets[i].sub.hint != targets[j].sub.hint {
				return targets[i].sub.hint < targets[j].sub.hint
			}
			return targets[i].sub.name < targets[j].sub.name
		})

		report.Matched[eventType] = len(targets)
		for _, t := range targets {
			if failure := invoke(ctx, t.handler, eventType, items); failure != nil {
				failure.Subscriber = t.sub.name
				report.Failures = append(report.Failures, *failure)
				continue
			}
			report.Succeeded[eventType]++
			report.DeliveredTo[t.sub.name] += len(items)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for name, sub := range dead {
			// Only prune if not re-registered since the snapshot.
			if r.subs[name] == sub {
				delete(r.subs, name)
				report.Pruned = append(report.Pruned, name)
			}
		}
		r.mu.Unlock()
	}

	return report
}

// invoke runs one handler call, converting a panic into a classified
// failure so one bad subscriber cannot abort the beat.
func invoke(ctx context.Context, h Handler, eventType string, items []*domain.WorkItem) (failure *ports.DeliveryFailure) {
	defer func() {
		if rec := recover(); rec != nil {
			failure = &ports.DeliveryFailure{
				EventType: eventType,
				Class:     domain.ErrorClassPanic,
				Err:       fmt.Errorf("subscriber panic: %v", rec),
				Items:     items,
			}
		}
	}()

	if err := h.HandleBatch(ctx, eventType, items); err != nil {
		return &ports.DeliveryFailure{
			EventType: eventType,
			Class:     domain.ErrorClassHandler,
			Err:       err,
			Items:     items,
		}
	}
	return nil
}
