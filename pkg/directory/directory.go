package directory

import (
	"sync"

	"github.com/zeebo/errs"
)

// Error is the error class for the directory package.
var Error = errs.Class("directory")

// Event is the kind of change a Subscriber observes (§4.1).
type Event int

const (
	// Added means the entry is now present in the directory.
	Added Event = iota
	// Removed means the entry has authoritatively departed.
	Removed
)

func (e Event) String() string {
	if e == Added {
		return "ADDED"
	}
	return "REMOVED"
}

// ErrUnknownServer is returned whenever an id no longer (or never did)
// occupy the slot it names.
var ErrUnknownServer = Error.New("unknown server")

// Entry is the roster record for one server (§3 ServerEntry, §6 wire form).
// ReadMBps/WriteMBps are carried alongside the wire fields: they arrive on
// enlist (§6 coordinator RPC "enlist(services, locator, read_speed_mb,
// write_speed_mb)") and the backup selector's expected-read-time formula
// (§4.2) needs them at ADDED time, so the directory threads them through
// rather than requiring a second round trip to the coordinator.
type Entry struct {
	Id          ServerId
	Services    ServiceMask
	Locator     string
	SegmentId   uint64
	UserData    uint64
	IsInCluster bool
	ReadMBps    float64
	WriteMBps   float64
}

// Subscriber receives a serialized ADDED/REMOVED feed as the directory
// changes. Directory forwards every mutation to every registered
// subscriber, matching §4.1's "per-subscriber view."
type Subscriber interface {
	Enqueue(entry Entry, event Event)
}

// Directory is the cluster-wide roster: a dense, generation-tagged array of
// entries plus a version counter that advances on every authoritative
// change (§2 item 1).
type Directory struct {
	mu sync.Mutex

	slots   []slotState
	freeIdx []uint32
	version uint64

	subscribers []Subscriber
}

type slotState struct {
	occupied bool
	entry    Entry
}

// New returns an empty Directory. Index 0 is reserved and never allocated
// (§6 "index 0 is reserved"), so slots[0] stays permanently unoccupied.
func New() *Directory {
	return &Directory{slots: make([]slotState, 1)}
}

// Subscribe registers sub to receive future ADDED/REMOVED events. It does
// not replay existing entries; callers that need the current roster should
// call ApplySnapshot or Entries first.
func (d *Directory) Subscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

// SubscribeAndHydrate registers sub and returns a snapshot of the entries
// present at that instant, atomically with respect to concurrent Add/
// Remove/ApplySnapshot calls. A tracker attaching to an already-populated
// directory (e.g. a replica manager or failure detector started after the
// cluster is up) uses this to seed its own bookkeeping with ADDED events
// for the current roster without racing a concurrent mutation.
func (d *Directory) SubscribeAndHydrate(sub Subscriber) []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscribers = append(d.subscribers, sub)

	out := make([]Entry, 0, len(d.slots))
	for _, s := range d.slots {
		if s.occupied {
			out = append(out, s.entry)
		}
	}
	return out
}

// Version returns the directory's current authoritative version.
func (d *Directory) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Add inserts a new server, assigns it a dense index and fresh generation,
// and notifies subscribers of ADDED. services/locator/readMBps/writeMBps
// come from the coordinator's enlist RPC (§6).
func (d *Directory) Add(services ServiceMask, locator string, readMBps, writeMBps float64) ServerId {
	d.mu.Lock()

	var index uint32
	if n := len(d.freeIdx); n > 0 {
		index = d.freeIdx[n-1]
		d.freeIdx = d.freeIdx[:n-1]
	} else {
		index = uint32(len(d.slots))
		d.slots = append(d.slots, slotState{})
	}

	generation := d.slots[index].entry.Id.Generation() + 1
	if generation == invalidGeneration {
		generation = 0
	}
	id := NewServerId(index, generation)

	entry := Entry{
		Id:          id,
		Services:    services,
		Locator:     locator,
		IsInCluster: true,
		ReadMBps:    readMBps,
		WriteMBps:   writeMBps,
	}
	d.slots[index] = slotState{occupied: true, entry: entry}
	d.version++
	subs := append([]Subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Enqueue(entry, Added)
	}
	return id
}

// Remove marks id's slot as departed (authoritative removal) and notifies
// subscribers of REMOVED. The slot's index is not recycled until every
// subscriber has drained the REMOVED event (tracker responsibility, §4.1);
// the Directory itself frees the index immediately since it holds no
// per-subscriber state — dense reuse is safe because the generation in id
// already changed by the time a stale id could resurface.
func (d *Directory) Remove(id ServerId) error {
	d.mu.Lock()

	idx := id.Index()
	if int(idx) >= len(d.slots) || !d.slots[idx].occupied || d.slots[idx].entry.Id != id {
		d.mu.Unlock()
		return ErrUnknownServer
	}

	entry := d.slots[idx].entry
	// The departed entry stays in the slot so the next Add at this index
	// derives a fresh generation from it.
	d.slots[idx].occupied = false
	d.freeIdx = append(d.freeIdx, idx)
	d.version++
	subs := append([]Subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Enqueue(entry, Removed)
	}
	return nil
}

// Get returns the current entry for id.
func (d *Directory) Get(id ServerId) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := id.Index()
	if int(idx) >= len(d.slots) || !d.slots[idx].occupied || d.slots[idx].entry.Id != id {
		return Entry{}, ErrUnknownServer
	}
	return d.slots[idx].entry, nil
}

// Entries returns a snapshot of every currently present entry, in index
// order. Used to hydrate a fresh subscriber or to answer
// request_server_list (§4.6).
func (d *Directory) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Entry, 0, len(d.slots))
	for _, s := range d.slots {
		if s.occupied {
			out = append(out, s.entry)
		}
	}
	return out
}

// ApplySnapshot replaces the directory's contents wholesale with entries,
// diffing against the current roster and notifying subscribers of the
// resulting ADDED/REMOVED events. It supports hydrating a freshly-started
// replica manager from the coordinator's request_server_list response
// (§4.6, SPEC_FULL "Directory snapshot push").
func (d *Directory) ApplySnapshot(entries []Entry) {
	d.mu.Lock()

	present := make(map[ServerId]Entry, len(entries))
	for _, e := range entries {
		present[e.Id] = e
	}

	var removed, added []Entry
	for idx, s := range d.slots {
		if s.occupied {
			if _, ok := present[s.entry.Id]; !ok {
				removed = append(removed, s.entry)
				d.slots[idx].occupied = false
				d.freeIdx = append(d.freeIdx, uint32(idx))
			}
		}
	}

	known := make(map[ServerId]bool)
	for _, s := range d.slots {
		if s.occupied {
			known[s.entry.Id] = true
		}
	}

	for _, e := range entries {
		if known[e.Id] {
			continue
		}
		idx := int(e.Id.Index())
		for idx >= len(d.slots) {
			d.slots = append(d.slots, slotState{})
		}
		d.slots[idx] = slotState{occupied: true, entry: e}
		added = append(added, e)
	}

	if len(removed) > 0 || len(added) > 0 {
		d.version++
	}
	subs := append([]Subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	for _, sub := range subs {
		for _, e := range removed {
			sub.Enqueue(e, Removed)
		}
		for _, e := range added {
			sub.Enqueue(e, Added)
		}
	}
}
