// Package changetracker implements the per-subscriber view over the server
// directory described in spec §4.1: an ordered ADDED/REMOVED feed plus a
// stable dense index space for one opaque annotation per entry.
package changetracker

import (
	"math/rand"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/storj-labs/replicamanager/pkg/directory"
)

// Error is the error class for the changetracker package.
var Error = errs.Class("change tracker")

// ErrUnknownServer is returned by Annotation/Locator/Details when id does
// not currently occupy the slot it names.
var ErrUnknownServer = Error.New("unknown server")

type pendingEvent struct {
	entry directory.Entry
	event directory.Event
}

type slot struct {
	occupied   bool
	entry      directory.Entry
	annotation interface{}
	// pendingClear is set once a REMOVED event for this slot has been
	// handed out; the slot (and any annotation still sitting on it) is
	// cleared on the *next* GetChange call, per §4.1.
	pendingClear bool
}

// Tracker is one subscriber's serialized view of directory mutations.
type Tracker struct {
	mu sync.Mutex

	log *zap.Logger
	rng *rand.Rand

	slots   []slot
	present int
	pending []pendingEvent

	onChangesPending func()
}

// New returns an empty Tracker. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:   log,
		rng:   rand.New(rand.NewSource(rand.Int63())),
		slots: make([]slot, 1),
	}
}

// SetChangesPendingCallback installs a callback invoked (outside the
// tracker's lock) whenever Enqueue adds work that was not already pending.
// The replica manager does not install one; it drains its trackers on every
// Proceed.
func (t *Tracker) SetChangesPendingCallback(fn func()) {
	t.mu.Lock()
	t.onChangesPending = fn
	t.mu.Unlock()
}

// Enqueue implements directory.Subscriber: it appends (entry, event) to the
// subscriber's FIFO. For Added it reserves the entry's slot, growing the
// backing array if needed; for Removed the slot is retained until consumed.
func (t *Tracker) Enqueue(entry directory.Entry, event directory.Event) {
	t.mu.Lock()

	idx := int(entry.Id.Index())
	for idx >= len(t.slots) {
		t.slots = append(t.slots, slot{})
	}

	if event == directory.Added {
		t.slots[idx] = slot{occupied: true, entry: entry}
	}

	wasEmpty := len(t.pending) == 0
	t.pending = append(t.pending, pendingEvent{entry: entry, event: event})
	cb := t.onChangesPending
	t.mu.Unlock()

	if wasEmpty && cb != nil {
		cb()
	}
}

// GetChange pops the oldest pending event. It returns false if nothing is
// pending. After handing out a Removed event, the *next* call to GetChange
// clears that slot's identity and annotation; if the annotation was not
// already nil at that point, it is a contract violation (§4.1) — logged as
// a warning and cleared rather than propagated. size() (see Size) therefore
// grows only once an Added is drained and shrinks only once a Removed is
// drained, matching the semantic note in §4.1.
func (t *Tracker) GetChange() (directory.Entry, directory.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clearPendingLocked()

	if len(t.pending) == 0 {
		return directory.Entry{}, 0, false
	}

	next := t.pending[0]
	t.pending = t.pending[1:]

	switch next.event {
	case directory.Added:
		t.present++
	case directory.Removed:
		idx := int(next.entry.Id.Index())
		if idx < len(t.slots) && t.slots[idx].occupied {
			t.slots[idx].pendingClear = true
			t.present--
		}
	}

	return next.entry, next.event, true
}

func (t *Tracker) clearPendingLocked() {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.pendingClear {
			continue
		}
		if s.annotation != nil {
			t.log.Warn("annotation left set past REMOVED event; clearing",
				zap.Uint64("server_id", s.entry.Id.ToUint64()))
		}
		*s = slot{}
	}
}

// lookupLocked returns the slot for id, or ErrUnknownServer if id's
// generation no longer matches the slot's occupant (including a slot
// pending clear after a drained REMOVED event). Called with t.mu held.
func (t *Tracker) lookupLocked(id directory.ServerId) (*slot, error) {
	idx := int(id.Index())
	if idx >= len(t.slots) {
		return nil, ErrUnknownServer
	}
	s := &t.slots[idx]
	if !s.occupied || s.pendingClear || s.entry.Id != id {
		return nil, ErrUnknownServer
	}
	return s, nil
}

// Annotation returns the per-entry annotation for id, or ErrUnknownServer
// if id's generation no longer matches the slot's occupant.
func (t *Tracker) Annotation(id directory.ServerId) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return s.annotation, nil
}

// SetAnnotation replaces the per-entry annotation for id. Go has no lvalue
// references, so this paired Annotation/SetAnnotation stands in for the
// teacher's mutable-reference accessor.
func (t *Tracker) SetAnnotation(id directory.ServerId, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.lookupLocked(id)
	if err != nil {
		return err
	}
	t.slots[id.Index()].annotation = value
	return nil
}

// Locator returns id's network locator.
func (t *Tracker) Locator(id directory.ServerId) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookupLocked(id)
	if err != nil {
		return "", err
	}
	return s.entry.Locator, nil
}

// Details returns id's full directory entry as last observed by this
// tracker.
func (t *Tracker) Details(id directory.ServerId) (directory.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookupLocked(id)
	if err != nil {
		return directory.Entry{}, err
	}
	return s.entry, nil
}

// RandomWithService returns a uniformly random id among present entries
// whose service mask is a superset of mask, or InvalidServerId if no such
// entry exists.
func (t *Tracker) RandomWithService(mask directory.ServiceMask) directory.ServerId {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []directory.ServerId
	for _, s := range t.slots {
		if s.occupied && !s.pendingClear && s.entry.Services.Has(mask) {
			candidates = append(candidates, s.entry.Id)
		}
	}
	if len(candidates) == 0 {
		return directory.InvalidServerId
	}
	return candidates[t.rng.Intn(len(candidates))]
}

// AllWithService returns every present id whose service mask is a superset
// of mask, in slot order. Used by the backup selector's power-of-k sampling
// (§4.2) to draw several candidates at once.
func (t *Tracker) AllWithService(mask directory.ServiceMask) []directory.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []directory.Entry
	for _, s := range t.slots {
		if s.occupied && !s.pendingClear && s.entry.Services.Has(mask) {
			out = append(out, s.entry)
		}
	}
	return out
}

// Size reflects post-consumption state: it grows only once an Added event
// has been drained via GetChange, and shrinks only once a Removed event has
// been drained (§4.1 semantic note).
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.present
}
