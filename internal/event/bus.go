// Package event provides named pre/post hook dispatch for
// loosely-coupled collaborators of the scheduler and job manager.
//
// Each event name carries two ordered listener lists. A dispatch runs
// the pre list first, then the post list once every pre listener has
// returned; listeners within a phase run concurrently. A listener
// fault is caught and logged, never propagated to the poster.
package event

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Listener receives the arguments passed to Dispatch.
type Listener func(args ...any)

// maxConcurrentListeners bounds how many listener goroutines run at
// once across all events.
const maxConcurrentListeners = 20

type entry struct {
	id int
	fn Listener
}

type hooks struct {
	pre  []entry
	post []entry

	// inflight tracks dispatches still running for this name.
	inflight sync.WaitGroup
}

// Bus dispatches events to registered listeners.
type Bus struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	events map[string]*hooks
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		sem:    semaphore.NewWeighted(maxConcurrentListeners),
		events: make(map[string]*hooks),
	}
}

// CancelFunc removes a previously registered listener. Removal is
// safe concurrently with an in-flight dispatch of the same name; that
// dispatch keeps the listener-list snapshot taken at its start.
type CancelFunc func()

// Pre registers a listener on the pre list for name.
func (b *Bus) Pre(name string, fn Listener) CancelFunc {
	return b.register(name, fn, true)
}

// Post registers a listener on the post list for name.
func (b *Bus) Post(name string, fn Listener) CancelFunc {
	return b.register(name, fn, false)
}

func (b *Bus) register(name string, fn Listener, pre bool) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.events[name]
	if h == nil {
		h = &hooks{}
		b.events[name] = h
	}
	b.nextID++
	id := b.nextID
	if pre {
		h.pre = append(h.pre, entry{id: id, fn: fn})
	} else {
		h.post = append(h.post, entry{id: id, fn: fn})
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		h.pre = remove(h.pre, id)
		h.post = remove(h.post, id)
	}
}

func remove(list []entry, id int) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Dispatch fires the event. Pre listeners run concurrently with each
// other; post listeners start only after every pre listener has
// finished. When wait is true the caller blocks until every listener
// dispatched by this call has returned.
func (b *Bus) Dispatch(name string, wait bool, args ...any) {
	b.mu.Lock()
	h := b.events[name]
	var pre, post []Listener
	if h != nil {
		pre = snapshot(h.pre)
		post = snapshot(h.post)
		h.inflight.Add(1)
	}
	b.mu.Unlock()

	if h == nil {
		return
	}

	run := func() {
		defer h.inflight.Done()
		b.runPhase(name, "pre", pre, args)
		b.runPhase(name, "post", post, args)
	}

	if wait {
		run()
	} else {
		go run()
	}
}

func snapshot(list []entry) []Listener {
	if len(list) == 0 {
		return nil
	}
	fns := make([]Listener, len(list))
	for i, e := range list {
		fns[i] = e.fn
	}
	return fns
}

func (b *Bus) runPhase(name, phase string, listeners []Listener, args []any) {
	if len(listeners) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range listeners {
		fn := fn
		wg.Add(1)
		if err := b.sem.Acquire(context.Background(), 1); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer wg.Done()
			defer b.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event listener fault", "event", name, "phase", phase, "panic", r)
				}
			}()
			fn(args...)
		}()
	}
	wg.Wait()
}

// WaitIdle blocks until every in-flight dispatch for name has
// finished. Used at shutdown.
func (b *Bus) WaitIdle(name string) {
	b.mu.Lock()
	h := b.events[name]
	b.mu.Unlock()
	if h != nil {
		h.inflight.Wait()
	}
}
