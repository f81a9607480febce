package segment

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/storj-labs/replicamanager/pkg/directory"
)

var (
	// Error is the error class for the segment package.
	Error = errs.Class("replicated segment")
	mon   = monkit.Package()
)

// ErrAlreadyFreed is a programmer error: double-free of a segment (§7
// "programmer errors ... are fatal to the caller").
var ErrAlreadyFreed = Error.New("segment already freed")

// syncPollInterval bounds how long sync() can go without re-checking
// progress when the scheduler itself made no forward progress this round
// (e.g. selector starvation, §8 scenario 6) — it avoids a tight busy loop
// while staying well under any plausible test timeout.
const syncPollInterval = time.Millisecond

// ReplicatedSegment is the per-segment state machine (§3, §4.4). The log
// holds a non-owning handle to it; the owner (Replica Manager) is the only
// thing that destroys it, once every replica reaches FREED.
type ReplicatedSegment struct {
	mu sync.Mutex

	log    *zap.Logger
	owner  Owner
	id     uint64
	master directory.ServerId

	data            []byte
	openLen         int64
	committedLength int64
	closeRequested  bool
	freed           bool

	predecessor *ReplicatedSegment

	replicas []*Replica
}

// New allocates a ReplicatedSegment and links it after predecessor for I7
// ordering (predecessor may be nil for the log's first segment). It does
// not schedule the segment; callers use Open to do both (§4.4.2
// "open_segment").
func New(log *zap.Logger, owner Owner, master directory.ServerId, id uint64, data []byte, openLen int64, predecessor *ReplicatedSegment) *ReplicatedSegment {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ReplicatedSegment{
		log:             log,
		owner:           owner,
		id:              id,
		master:          master,
		data:            data,
		openLen:         openLen,
		committedLength: openLen,
		predecessor:     predecessor,
	}
	n := owner.NumReplicas()
	s.replicas = make([]*Replica, n)
	for i := 0; i < n; i++ {
		s.replicas[i] = newReplica(i, i == 0)
	}
	return s
}

// Open allocates a segment and schedules it, mirroring the log-facing
// open_segment(segment_id, data, open_len) -> handle operation (§4.4.2).
func Open(log *zap.Logger, owner Owner, master directory.ServerId, id uint64, data []byte, openLen int64, predecessor *ReplicatedSegment) *ReplicatedSegment {
	s := New(log, owner, master, id, data, openLen, predecessor)
	owner.Schedule(s)
	return s
}

// ID returns the segment's id.
func (s *ReplicatedSegment) ID() uint64 { return s.id }

// CommittedLength advances the segment's committed byte length. Per I4 it
// must never decrease; callers that violate this get a programmer error.
func (s *ReplicatedSegment) CommittedLength(length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if length < s.committedLength {
		panic(Error.New("committed length moved backward: %d -> %d", s.committedLength, length))
	}
	s.committedLength = length
	s.owner.Schedule(s)
}

// Close sets the close flag (I5: once set, it never clears) and schedules
// the segment so replicas can progress toward CLOSED (§4.4.2).
func (s *ReplicatedSegment) Close() {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
	s.owner.Schedule(s)
}

// Free marks the segment freed. It is permitted while replicas are
// mid-write (§4.4.2); the segment destroys itself only once every replica
// reaches FREED. Calling Free twice is a programmer error.
func (s *ReplicatedSegment) Free() {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		panic(ErrAlreadyFreed)
	}
	s.freed = true
	s.mu.Unlock()
	s.owner.Schedule(s)
}

// replicasClosedCount returns how many replicas have reached at least
// CLOSED, used by a successor segment to check I7.
func (s *ReplicatedSegment) replicasClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.replicas {
		if r.state == Closed || r.state == Freeing || r.state == Freed {
			n++
		}
	}
	return n
}

// predecessorSatisfiesOrdering implements I7: a successor may not mark any
// replica open-or-beyond until the predecessor has reached CLOSED on at
// least NumReplicas replicas.
func (s *ReplicatedSegment) predecessorSatisfiesOrdering() bool {
	if s.predecessor == nil {
		return true
	}
	return s.predecessor.replicasClosedCount() >= s.owner.NumReplicas()
}

// Replicas returns a snapshot of each replica's (state, backup, cursor),
// for tests and the manager's Stats snapshot.
func (s *ReplicatedSegment) Replicas() []ReplicaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReplicaSnapshot, len(s.replicas))
	for i, r := range s.replicas {
		out[i] = ReplicaSnapshot{State: r.state, Backup: r.backup, Cursor: r.cursor, IsPrimary: r.isPrimary}
	}
	return out
}

// ReplicaSnapshot is a read-only view of one replica slot.
type ReplicaSnapshot struct {
	State     ReplicaState
	Backup    directory.ServerId
	Cursor    int64
	IsPrimary bool
}

// IsFullyFreed reports whether every replica has reached FREED.
func (s *ReplicatedSegment) IsFullyFreed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allFreedLocked()
}

func (s *ReplicatedSegment) allFreedLocked() bool {
	for _, r := range s.replicas {
		if r.state != Freed {
			return false
		}
	}
	return true
}

// Sync first advances the committed length to length if it is behind (it
// never moves it backward, I4), then blocks cooperatively until every
// replica's cursor is at least length, repeatedly driving the owner's
// scheduler forward (§4.4.2, §5 "sync() is the only cooperative suspension
// point"). It returns ctx.Err() if ctx is done first (process shutdown,
// §4.4.3).
func (s *ReplicatedSegment) Sync(ctx context.Context, length int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	if length > s.committedLength {
		s.committedLength = length
	}
	s.mu.Unlock()

	for {
		if s.cursorsAtLeast(length) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.owner.Schedule(s)
		s.owner.Proceed(ctx)
		if s.cursorsAtLeast(length) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncPollInterval):
		}
	}
}

func (s *ReplicatedSegment) cursorsAtLeast(length int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.replicas {
		if r.cursor < length {
			return false
		}
	}
	return true
}

// CloseAndSync is a convenience combining Close and a Sync that waits for
// every replica to reach CLOSED (§4.4.2 "sync() after close() waits for
// all replicas to reach CLOSED").
func (s *ReplicatedSegment) CloseAndSync(ctx context.Context) error {
	s.Close()
	for {
		s.mu.Lock()
		allClosed := true
		for _, r := range s.replicas {
			if r.state != Closed && r.state != Freeing && r.state != Freed {
				allClosed = false
				break
			}
		}
		s.mu.Unlock()
		if allClosed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.owner.Schedule(s)
		s.owner.Proceed(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncPollInterval):
		}
	}
}
