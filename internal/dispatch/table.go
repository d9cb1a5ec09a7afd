package dispatch

import (
	"sync"

	"gateflow/models"
)

// Handlers is the application-supplied handler bundle for one subscription.
// Every field is optional; a missing handler drops that event for the
// subscription without error.
type Handlers struct {
	Data  func(models.Message)
	End   func()
	Error func(models.Message)
}

// Key identifies a scoped interest: one message kind, one correlation id.
// ID set to models.NoID makes the entry a per-kind wildcard, used for the
// few streams the gateway keys by kind alone (open orders, account updates).
type Key struct {
	Kind models.Kind
	ID   int64
}

// entry is one registration. Catch-all entries observe every message and
// are never auto-retired; scoped entries retire on their terminating event.
type entry struct {
	catchAll bool
	key      Key
	owner    any
	handlers Handlers
	all      func(models.Message)
}

// Table is the mutable registry mapping interests to handlers. All mutation
// is mutex-guarded because request-issuing goroutines register concurrently
// with the single dispatch goroutine. Registration order is preserved so two
// catch-all subscribers observe messages in the order they subscribed.
type Table struct {
	mu      sync.Mutex
	entries []*entry
}

func NewTable() *Table {
	return &Table{}
}

// Register inserts a scoped entry under key, replacing any existing entry
// with the same key. The owner tag groups entries for UnregisterOwner.
func (t *Table) Register(key Key, owner any, h Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if !e.catchAll && e.key == key {
			t.entries[i] = &entry{key: key, owner: owner, handlers: h}
			return
		}
	}
	t.entries = append(t.entries, &entry{key: key, owner: owner, handlers: h})
}

// RegisterCatchAll appends an entry that observes every dispatched message.
func (t *Table) RegisterCatchAll(owner any, fn func(models.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, &entry{catchAll: true, owner: owner, all: fn})
}

// Unregister removes the scoped entry for key. Missing keys are a no-op.
func (t *Table) Unregister(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if !e.catchAll && e.key == key {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// UnregisterOwner removes every entry, scoped or catch-all, registered with
// the given owner tag. One application component often registers both a
// catch-all logger and scoped interests; both come down together.
func (t *Table) UnregisterOwner(owner any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.owner != owner {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// remove deletes one specific entry. The engine retires terminated entries
// through this so a replacement registered under the same key during
// callback execution is left alone.
func (t *Table) remove(target *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e == target {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns a copy of the registration list. The engine iterates the
// copy without holding the lock so callbacks can register and unregister
// freely during dispatch.
func (t *Table) snapshot() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Contains reports whether a scoped entry for key is still registered.
func (t *Table) Contains(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.catchAll && e.key == key {
			return true
		}
	}
	return false
}

// Len returns the number of registered entries of both classes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry. Called at disconnect so no callback can fire
// after teardown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
