// Package state is the observable in-memory store shared by every client
// component. Values are addressed by typed keys; writes notify the key's
// watchers synchronously and are announced on the event bus.
//
// Nested maps are never mutated in place: MergeEntry, DeleteEntry and
// UpdateEntry replace the whole map, so a watcher always observes a
// consistent snapshot.
package state

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Zeroer is implemented by values holding secrets. Reset calls Zero
// before discarding such a value.
type Zeroer interface {
	Zero()
}

type keyInfo interface {
	Name() string
	defaultValue() any
	survivesReset() bool
}

// Key addresses a value of type T.
type Key[T any] struct {
	name   string
	def    T
	sticky bool
}

// KeyOption configures a Key.
type KeyOption func(*keyOptions)

type keyOptions struct{ sticky bool }

// SurvivesReset keeps the key's value across Store.Reset.
func SurvivesReset() KeyOption {
	return func(o *keyOptions) { o.sticky = true }
}

// NewKey declares a key with a default value.
func NewKey[T any](name string, def T, opts ...KeyOption) *Key[T] {
	var o keyOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Key[T]{name: name, def: def, sticky: o.sticky}
}

func (k *Key[T]) Name() string        { return k.name }
func (k *Key[T]) defaultValue() any   { return k.def }
func (k *Key[T]) survivesReset() bool { return k.sticky }
func (k *Key[T]) cast(v any) (out T) {
	if t, ok := v.(T); ok {
		return t
	}
	return out
}

type watcher struct {
	id uint64
	fn func(newValue, oldValue any)
}

type entry struct {
	key keyInfo

	// mu serializes writers of this key.
	mu    sync.Mutex
	value any

	wmu      sync.RWMutex
	watchers []watcher
}

func (e *entry) snapshotWatchers() []watcher {
	e.wmu.RLock()
	defer e.wmu.RUnlock()
	return slices.Clone(e.watchers)
}

// Store holds the client state. The zero value is not usable; use New.
type Store struct {
	bus *events.Bus
	log logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	nextID  uint64
}

func New(bus *events.Bus, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewDiscard()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	return &Store{
		bus:     bus,
		log:     log.With("module", "state"),
		entries: make(map[string]*entry),
	}
}

// Bus returns the bus the store publishes on.
func (s *Store) Bus() *events.Bus { return s.bus }

func (s *Store) entry(k keyInfo) *entry {
	s.mu.RLock()
	e, ok := s.entries[k.Name()]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[k.Name()]; ok {
		return e
	}
	e = &entry{key: k, value: k.defaultValue()}
	s.entries[k.Name()] = e
	return e
}

func (s *Store) notify(e *entry, newValue, oldValue any) {
	for _, w := range e.snapshotWatchers() {
		s.call(e.key.Name(), w.fn, newValue, oldValue)
	}
}

func (s *Store) call(name string, fn func(newValue, oldValue any), newValue, oldValue any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(context.Background(), "state watcher panicked", "key", name, "panic", fmt.Sprint(r))
		}
	}()
	fn(newValue, oldValue)
}

func (s *Store) announce(name string, newValue, oldValue any) {
	s.bus.Publish(events.KeyChanged{Key: name, Value: newValue, Previous: oldValue})
	s.bus.Publish(events.StateChanged{Key: name})
}

// Get returns the current value of k.
func Get[T any](s *Store, k *Key[T]) T {
	e := s.entry(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	return k.cast(e.value)
}

// Set stores v, runs k's watchers and publishes KeyChanged and
// StateChanged before returning.
func Set[T any](s *Store, k *Key[T], v T) {
	Update(s, k, func(T) T { return v })
}

// Update atomically replaces the value of k with fn(current) and returns
// the new value. fn runs with the key locked and must not access k.
func Update[T any](s *Store, k *Key[T], fn func(T) T) T {
	e := s.entry(k)

	e.mu.Lock()
	old := k.cast(e.value)
	next := fn(old)
	e.value = next
	e.mu.Unlock()

	s.notify(e, next, old)
	s.announce(k.name, next, old)
	return next
}

// Watch registers fn to run on every write to k with the new and previous
// values. The returned function unregisters it.
func Watch[T any](s *Store, k *Key[T], fn func(newValue, oldValue T)) func() {
	e := s.entry(k)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	e.wmu.Lock()
	e.watchers = append(e.watchers, watcher{id: id, fn: func(n, o any) { fn(k.cast(n), k.cast(o)) }})
	e.wmu.Unlock()

	return func() {
		e.wmu.Lock()
		defer e.wmu.Unlock()
		e.watchers = slices.DeleteFunc(e.watchers, func(w watcher) bool { return w.id == id })
	}
}

// Assignment is one write of a Batch.
type Assignment struct {
	key   keyInfo
	value any
}

// Assign prepares a write of v to k for Batch.
func Assign[T any](k *Key[T], v T) Assignment {
	return Assignment{key: k, value: v}
}

// Batch applies several writes as one unit. Each key's watchers run, and a
// single BatchApplied event replaces the per-key events. Later assignments
// to the same key win.
func (s *Store) Batch(assignments ...Assignment) {
	if len(assignments) == 0 {
		return
	}

	final := make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		final[a.key.Name()] = a
	}
	names := make([]string, 0, len(final))
	for name := range final {
		names = append(names, name)
	}
	sort.Strings(names)

	// Locks are taken in name order so concurrent batches cannot deadlock.
	locked := make([]*entry, 0, len(names))
	for _, name := range names {
		e := s.entry(final[name].key)
		e.mu.Lock()
		locked = append(locked, e)
	}

	olds := make([]any, len(locked))
	for i, e := range locked {
		olds[i] = e.value
		e.value = final[names[i]].value
	}
	for _, e := range locked {
		e.mu.Unlock()
	}

	for i, e := range locked {
		s.notify(e, final[names[i]].value, olds[i])
	}
	s.bus.Publish(events.BatchApplied{Keys: names})
}

// Reset restores every key to its default except keys declared with
// SurvivesReset. Values implementing Zeroer are zeroed first.
func (s *Store) Reset() {
	s.mu.RLock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	for _, e := range all {
		if e.key.survivesReset() {
			continue
		}
		e.mu.Lock()
		old := e.value
		e.value = e.key.defaultValue()
		e.mu.Unlock()

		if z, ok := old.(Zeroer); ok {
			s.zero(e.key.Name(), z)
		}
		s.notify(e, e.key.defaultValue(), old)
	}
	s.bus.Publish(events.StateReset{})
}

func (s *Store) zero(name string, z Zeroer) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(context.Background(), "zeroing state value panicked", "key", name, "panic", fmt.Sprint(r))
		}
	}()
	z.Zero()
}
