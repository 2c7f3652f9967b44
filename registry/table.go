package registry

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("registry closed")

// Table holds live entries under stable handles. Freed handles are reused.
type Table[T any] struct {
	entries   []entry[T]
	freeList  []Handle
	observers []Observer[T]
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	live      int
	closed    bool
}

type entry[T any] struct {
	value T
	kind  uint32
	valid bool
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries:  make([]entry[T], 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert adds value and returns its handle.
func (t *Table[T]) Insert(kind uint32, value T) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	e := entry[T]{value: value, kind: kind, valid: true}
	var h Handle
	if n := len(t.freeList); n > 0 {
		h = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[h-1] = e
	} else {
		t.entries = append(t.entries, e)
		h = Handle(len(t.entries))
	}
	t.live++
	t.mu.Unlock()

	t.notify(Event[T]{Type: EventCreated, Handle: h, Kind: kind, Value: value})
	return h, nil
}

// Get retrieves the value stored under handle.
func (t *Table[T]) Get(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(h) > len(t.entries) || !t.entries[h-1].valid {
		return zero, false
	}
	return t.entries[h-1].value, true
}

// Kind returns the kind an entry was inserted with.
func (t *Table[T]) Kind(h Handle) (uint32, bool) {
	if h == 0 {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(h) > len(t.entries) || !t.entries[h-1].valid {
		return 0, false
	}
	return t.entries[h-1].kind, true
}

// Remove drops the entry under handle and returns its value.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	t.mu.Lock()
	if int(h) > len(t.entries) || !t.entries[h-1].valid {
		t.mu.Unlock()
		return zero, false
	}
	e := t.entries[h-1]
	t.entries[h-1] = entry[T]{}
	t.freeList = append(t.freeList, h)
	t.live--
	t.mu.Unlock()

	t.notify(Event[T]{Type: EventDropped, Handle: h, Kind: e.kind, Value: e.value})
	return e.value, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each calls fn for every live entry in handle order until fn returns false.
// fn runs on a snapshot and may call back into the table.
func (t *Table[T]) Each(fn func(Handle, uint32, T) bool) {
	type item struct {
		value T
		h     Handle
		kind  uint32
	}
	t.mu.RLock()
	items := make([]item, 0, t.live)
	for i, e := range t.entries {
		if e.valid {
			items = append(items, item{h: Handle(i + 1), kind: e.kind, value: e.value})
		}
	}
	t.mu.RUnlock()

	for _, it := range items {
		if !fn(it.h, it.kind, it.value) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer[T]) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer added with Subscribe. o must be of a
// comparable type, so an ObserverFunc cannot be unsubscribed.
func (t *Table[T]) Unsubscribe(o Observer[T]) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close stops accepting inserts. Live entries stay readable and removable.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Table[T]) notify(e Event[T]) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnEvent(e)
	}
}
