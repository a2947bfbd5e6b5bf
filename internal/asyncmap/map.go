package asyncmap

import (
	"fmt"
	"strings"
	"sync"
)

// Logger receives diagnostics from a reader. A call with fatal set marks the
// key as failed; its waiters are notified through their own fail loggers.
type Logger func(msg string, fatal bool)

// Setter publishes the value of a key. At most one call takes effect.
type Setter[V any] func(value V)

// Consumer receives the values of the requested keys, in request order.
type Consumer[V any] func(values []V)

// SubCaller requests further keys from within a reader without blocking the
// worker: the consumer is enqueued as an independent task once all keys are
// ready.
type SubCaller[K, V any] func(keys []K, consume Consumer[V], failLog Logger)

// Reader computes the value of a key. It must either call setter exactly
// once, or report a fatal error through logger, or delegate both to a
// continuation passed to sub.
type Reader[K, V any] func(ts *TaskSystem, key K, setter Setter[V], logger Logger, sub SubCaller[K, V])

type entryState int

const (
	inProgress entryState = iota
	ready
	failed
)

type waiter[V any] struct {
	remaining int
	values    []V
	consume   Consumer[V]
	failLog   Logger
	failed    bool
}

type waiterSlot[V any] struct {
	w   *waiter[V]
	idx int
}

type entry[K, V any] struct {
	id      string
	key     K
	state   entryState
	value   V
	failMsg string
	waiters []waiterSlot[V]

	// waitingFor holds the keys this entry's reader is currently blocked
	// on; the edges form the request graph used for cycle detection.
	waitingFor  map[string]*entry[K, V]
	edgeSources []*entry[K, V]
}

// Map is a memoising keyed map: per-key at-most-once computation with
// dependency fan-out, failure propagation, and cycle detection.
type Map[K, V any] struct {
	keyID  func(K) string
	reader Reader[K, V]

	mu      sync.Mutex
	entries map[string]*entry[K, V]
}

// New creates a map. keyID must be injective on the keys in use; it is how
// the map recognises repeated requests.
func New[K, V any](keyID func(K) string, reader Reader[K, V]) *Map[K, V] {
	return &Map[K, V]{
		keyID:   keyID,
		reader:  reader,
		entries: map[string]*entry[K, V]{},
	}
}

// ConsumeAfterKeysReady schedules consume to run once all keys have a
// value. If any key fails, failLog is notified once and consume never runs.
func (m *Map[K, V]) ConsumeAfterKeysReady(ts *TaskSystem, keys []K, consume Consumer[V], failLog Logger) {
	m.request(ts, keys, consume, failLog, nil)
}

func (m *Map[K, V]) request(ts *TaskSystem, keys []K, consume Consumer[V], failLog Logger, origin *entry[K, V]) {
	var deferred []func()

	m.mu.Lock()
	w := &waiter[V]{
		remaining: len(keys),
		values:    make([]V, len(keys)),
		consume:   consume,
		failLog:   failLog,
	}
	var fresh []*entry[K, V]
	for i, key := range keys {
		id := m.keyID(key)
		e, ok := m.entries[id]
		if !ok {
			e = &entry[K, V]{id: id, key: key, waitingFor: map[string]*entry[K, V]{}}
			m.entries[id] = e
			fresh = append(fresh, e)
		}
		switch e.state {
		case ready:
			w.values[i] = e.value
			w.remaining--
		case failed:
			if !w.failed {
				w.failed = true
				msg := e.failMsg
				deferred = append(deferred, func() { failLog(msg, true) })
			}
		default:
			e.waiters = append(e.waiters, waiterSlot[V]{w: w, idx: i})
			if origin != nil && origin.state == inProgress {
				if _, dup := origin.waitingFor[id]; !dup {
					origin.waitingFor[id] = e
					e.edgeSources = append(e.edgeSources, origin)
					if cycle := m.findCycle(e, origin); cycle != nil {
						msg := cycleMessage(cycle)
						for _, node := range cycle {
							m.failEntryLocked(node, msg, &deferred)
						}
					}
				}
			}
		}
	}
	if w.remaining == 0 && !w.failed {
		values := w.values
		ts.Run(func() { consume(values) })
	}
	for _, e := range fresh {
		m.scheduleReader(ts, e)
	}
	m.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
}

// findCycle returns the request path from one of origin's dependencies back
// to origin, or nil if no such path exists among in-progress entries.
func (m *Map[K, V]) findCycle(from, origin *entry[K, V]) []*entry[K, V] {
	if from == origin {
		return []*entry[K, V]{origin}
	}
	visited := map[string]bool{}
	var walk func(node *entry[K, V], path []*entry[K, V]) []*entry[K, V]
	walk = func(node *entry[K, V], path []*entry[K, V]) []*entry[K, V] {
		if visited[node.id] {
			return nil
		}
		visited[node.id] = true
		path = append(path, node)
		for _, next := range node.waitingFor {
			if next == origin {
				return append(path, origin)
			}
			if found := walk(next, path); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(from, nil)
}

func cycleMessage[K, V any](cycle []*entry[K, V]) string {
	ids := make([]string, 0, len(cycle))
	for _, e := range cycle {
		ids = append(ids, e.id)
	}
	return fmt.Sprintf("dependency cycle detected involving: %s", strings.Join(ids, " -> "))
}

func (m *Map[K, V]) scheduleReader(ts *TaskSystem, e *entry[K, V]) {
	ts.Run(func() {
		setter := func(value V) { m.setValue(ts, e, value) }
		logger := func(msg string, fatal bool) {
			if fatal {
				m.failEntry(e, msg)
			}
		}
		sub := func(keys []K, consume Consumer[V], failLog Logger) {
			m.request(ts, keys, consume, failLog, e)
		}
		m.reader(ts, e.key, setter, logger, sub)
	})
}

func (m *Map[K, V]) setValue(ts *TaskSystem, e *entry[K, V], value V) {
	m.mu.Lock()
	if e.state != inProgress {
		m.mu.Unlock()
		return
	}
	e.state = ready
	e.value = value
	e.waitingFor = nil
	for _, src := range e.edgeSources {
		delete(src.waitingFor, e.id)
	}
	e.edgeSources = nil
	for _, slot := range e.waiters {
		slot.w.values[slot.idx] = value
		slot.w.remaining--
		if slot.w.remaining == 0 && !slot.w.failed {
			values := slot.w.values
			consume := slot.w.consume
			ts.Run(func() { consume(values) })
		}
	}
	e.waiters = nil
	m.mu.Unlock()
}

// FailPending fails every key that has not reached a final state yet,
// notifying their waiters. It is the run-wide cancellation hook; call it
// after the task system has stopped so no reader is still publishing.
func (m *Map[K, V]) FailPending(msg string) {
	var deferred []func()
	m.mu.Lock()
	for _, e := range m.entries {
		m.failEntryLocked(e, msg, &deferred)
	}
	m.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
}

func (m *Map[K, V]) failEntry(e *entry[K, V], msg string) {
	var deferred []func()
	m.mu.Lock()
	m.failEntryLocked(e, msg, &deferred)
	m.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
}

func (m *Map[K, V]) failEntryLocked(e *entry[K, V], msg string, deferred *[]func()) {
	if e.state != inProgress {
		return
	}
	e.state = failed
	e.failMsg = msg
	e.waitingFor = nil
	for _, src := range e.edgeSources {
		delete(src.waitingFor, e.id)
	}
	e.edgeSources = nil
	for _, slot := range e.waiters {
		if !slot.w.failed {
			slot.w.failed = true
			failLog := slot.w.failLog
			failMsg := msg
			*deferred = append(*deferred, func() { failLog(failMsg, true) })
		}
	}
	e.waiters = nil
}
