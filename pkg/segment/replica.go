package segment

import (
	"context"

	"github.com/storj-labs/replicamanager/pkg/directory"
)

// rpcOutcome is how an in-flight RPC reports back to the segment's next
// Perform() without blocking it: the issuing goroutine writes exactly once
// and closes the channel, and Perform drains it with a non-blocking select
// (§5 "completion is observed on a later proceed()").
type rpcOutcome struct {
	err error
}

// Replica is one replica slot of a ReplicatedSegment (§3 "Replica").
type Replica struct {
	index     int
	isPrimary bool

	state  ReplicaState
	backup directory.ServerId

	// cursor is the number of bytes this replica has acknowledged; it
	// never exceeds the segment's committed length (I6).
	cursor int64

	pendingOutcome   chan rpcOutcome
	pendingWriteSize int64
	// generation increments every time the replica regresses to
	// Unassigned, so a completion from a stale (superseded) RPC is
	// recognized and discarded instead of corrupting the new attempt.
	generation uint64
	rpcGen     uint64
	cancel     context.CancelFunc
}

func newReplica(index int, isPrimary bool) *Replica {
	return &Replica{index: index, isPrimary: isPrimary, state: Unassigned, backup: directory.InvalidServerId}
}

// State returns the replica's current state.
func (r *Replica) State() ReplicaState { return r.state }

// Backup returns the backup this replica currently targets, or
// directory.InvalidServerId if Unassigned.
func (r *Replica) Backup() directory.ServerId { return r.backup }

// Cursor returns the number of bytes this replica has acknowledged.
func (r *Replica) Cursor() int64 { return r.cursor }

// IsPrimary reports whether this is the segment's primary replica slot.
func (r *Replica) IsPrimary() bool { return r.isPrimary }

// regress moves the replica back to Unassigned, releasing its backup and
// invalidating any in-flight RPC for it (§4.4.1 "Any state → UNASSIGNED").
func (r *Replica) regress() {
	r.state = Unassigned
	r.backup = directory.InvalidServerId
	r.cursor = 0
	r.generation++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.pendingOutcome = nil
}

// pollOutcome drains a completed RPC if one is ready, discarding outcomes
// from a superseded generation. It returns (outcome, true) only for a
// completion belonging to the replica's current attempt.
func (r *Replica) pollOutcome() (rpcOutcome, bool) {
	if r.pendingOutcome == nil {
		return rpcOutcome{}, false
	}
	select {
	case out, ok := <-r.pendingOutcome:
		if !ok {
			return rpcOutcome{}, false
		}
		if r.rpcGen != r.generation {
			// stale: the replica moved on (or regressed and retried)
			// since this RPC was issued.
			return rpcOutcome{}, false
		}
		r.pendingOutcome = nil
		return out, true
	default:
		return rpcOutcome{}, false
	}
}

// beginRPC records that an RPC was just issued for the replica's current
// generation and returns the channel its goroutine must report on.
func (r *Replica) beginRPC(cancel context.CancelFunc) chan rpcOutcome {
	ch := make(chan rpcOutcome, 1)
	r.pendingOutcome = ch
	r.rpcGen = r.generation
	r.cancel = cancel
	return ch
}
