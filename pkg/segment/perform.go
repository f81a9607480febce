package segment

import (
	"context"

	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

// Perform implements scheduler.Task: it advances every replica one step
// toward the segment's current (committed_length, close) target, then
// re-schedules itself if any work remains (§4.4.1, §4.3).
func (s *ReplicatedSegment) Perform() {
	s.mu.Lock()

	for _, r := range s.replicas {
		s.stepReplicaLocked(r)
	}

	done := s.freed && s.allFreedLocked()
	reschedule := !done && s.hasOutstandingWorkLocked()
	s.mu.Unlock()

	if done {
		s.owner.DestroyAndFree(s)
		return
	}
	if reschedule {
		s.owner.Schedule(s)
	}
}

func (s *ReplicatedSegment) hasOutstandingWorkLocked() bool {
	for _, r := range s.replicas {
		if r.state != Freed {
			return true
		}
	}
	return false
}

// HandleBackupRemoved regresses every replica currently assigned to a
// REMOVED backup, even if its RPCs had previously succeeded (§4.4.3). The
// owner calls this from its own proceed() as it forwards REMOVED events
// from its change-tracker view (§4.5 "forwards change-tracker events").
func (s *ReplicatedSegment) HandleBackupRemoved(backup directory.ServerId) {
	s.mu.Lock()
	affected := false
	for _, r := range s.replicas {
		if r.state != Unassigned && r.backup == backup {
			wasPrimary := r.isPrimary
			r.regress()
			affected = true
			if wasPrimary {
				s.owner.ReleasePrimary(backup)
			}
		}
	}
	s.mu.Unlock()

	if affected {
		s.owner.Schedule(s)
	}
}

func (s *ReplicatedSegment) excludeSetLocked() map[directory.ServerId]bool {
	exclude := make(map[directory.ServerId]bool, len(s.replicas))
	for _, r := range s.replicas {
		if r.state != Unassigned {
			exclude[r.backup] = true
		}
	}
	return exclude
}

// stepReplicaLocked advances one replica by at most one RPC. Called with
// s.mu held; any RPC it issues runs in its own goroutine and reports back
// through the replica's pendingOutcome channel, observed on a later call
// (§5 "All RPC issuance is non-blocking").
func (s *ReplicatedSegment) stepReplicaLocked(r *Replica) {
	switch r.state {
	case Unassigned:
		s.stepUnassignedLocked(r)
	case Opening:
		s.pollRPCLocked(r, func(err error) {
			if err != nil {
				r.regress()
				return
			}
			r.cursor = s.openLen
			r.state = OpenAcked
		})
	case OpenAcked, WriteAcked:
		s.stepAckedLocked(r)
	case Writing:
		s.pollRPCLocked(r, func(err error) {
			if err != nil {
				r.regress()
				return
			}
			r.cursor += s.lastWriteSize(r)
			r.state = WriteAcked
		})
	case Closing:
		s.pollRPCLocked(r, func(err error) {
			if err != nil {
				r.regress()
				return
			}
			r.state = Closed
		})
	case Closed:
		if s.freed {
			s.issueFreeLocked(r)
		}
	case Freeing:
		s.pollRPCLocked(r, func(err error) {
			if err != nil {
				// Free is idempotent and durability no longer depends on
				// this replica; just retry rather than regressing back
				// through open (§6 "free() -> ok or ignored").
				return
			}
			r.state = Freed
		})
	case Freed:
		// terminal
	}
}

func (s *ReplicatedSegment) stepUnassignedLocked(r *Replica) {
	if s.freed {
		r.state = Freed
		return
	}
	if !s.predecessorSatisfiesOrdering() {
		// I7: no replica of a successor may go open-or-beyond until the
		// predecessor has reached CLOSED on every replica. Yield and
		// retry next proceed().
		return
	}

	exclude := s.excludeSetLocked()
	ctx := context.Background()

	var (
		backup directory.ServerId
		err    error
	)
	if r.isPrimary {
		backup, err = s.owner.ChoosePrimary(ctx, exclude, int64(len(s.data)))
	} else {
		backup, err = s.owner.ChooseSecondary(ctx, exclude)
	}
	if err != nil {
		// Selector starvation: not an error, yield and retry next
		// proceed() (§4.2 "Failure mode", §7 "Selector starvation").
		return
	}

	locator, err := s.owner.Locator(backup)
	if err != nil {
		return
	}

	r.backup = backup
	s.issueOpenLocked(r, locator)
}

func (s *ReplicatedSegment) issueOpenLocked(r *Replica, locator string) {
	rpcCtx, cancel := context.WithCancel(context.Background())
	ch := r.beginRPC(cancel)
	req := transport.OpenRequest{
		MasterId:  s.master,
		SegmentId: s.id,
		Data:      append([]byte(nil), s.data[:s.openLen]...),
		IsPrimary: r.isPrimary,
	}
	client := s.owner.BackupClient()
	go func() {
		err := client.Open(rpcCtx, locator, req)
		ch <- rpcOutcome{err: err}
		close(ch)
	}()
	r.state = Opening
}

func (s *ReplicatedSegment) stepAckedLocked(r *Replica) {
	closing := s.closeRequested && r.cursor == s.committedLength && s.predecessorSatisfiesOrdering()
	if !closing && r.cursor >= s.committedLength {
		return
	}
	if !s.owner.WriteLimiter().TryAcquire() {
		// Admission cap saturated; skip this scheduling round (§5). The
		// close-carrying write counts against the same cap as an ordinary
		// write RPC (§9 "caps writes in flight").
		return
	}
	if closing {
		s.issueWriteLocked(r, nil, true)
		return
	}
	max := int64(s.owner.MaxWritePayloadBytes())
	remaining := s.committedLength - r.cursor
	chunk := remaining
	if max > 0 && chunk > max {
		chunk = max
	}
	data := s.data[r.cursor : r.cursor+chunk]
	s.issueWriteLocked(r, data, false)
}

// lastWriteSize returns the byte count of the write RPC currently being
// acknowledged (WriteAcked transition), as recorded in pendingWriteSize by
// issueWriteLocked.
func (s *ReplicatedSegment) lastWriteSize(r *Replica) int64 {
	return r.pendingWriteSize
}

func (s *ReplicatedSegment) issueWriteLocked(r *Replica, data []byte, closeFlag bool) {
	locator, err := s.owner.Locator(r.backup)
	if err != nil {
		r.regress()
		return
	}

	rpcCtx, cancel := context.WithCancel(context.Background())
	ch := r.beginRPC(cancel)
	r.pendingWriteSize = int64(len(data))
	req := transport.WriteRequest{
		MasterId:  s.master,
		SegmentId: s.id,
		Offset:    r.cursor,
		Data:      append([]byte(nil), data...),
		Close:     closeFlag,
	}
	client := s.owner.BackupClient()
	limiter := s.owner.WriteLimiter()
	go func() {
		err := client.Write(rpcCtx, locator, req)
		limiter.Release()
		ch <- rpcOutcome{err: err}
		close(ch)
	}()

	if closeFlag {
		r.state = Closing
	} else {
		r.state = Writing
	}
}

func (s *ReplicatedSegment) issueFreeLocked(r *Replica) {
	locator, err := s.owner.Locator(r.backup)
	if err != nil {
		// Backup already gone; nothing to tell it. Treat as freed.
		r.state = Freed
		return
	}

	rpcCtx, cancel := context.WithCancel(context.Background())
	ch := r.beginRPC(cancel)
	req := transport.FreeRequest{MasterId: s.master, SegmentId: s.id}
	client := s.owner.BackupClient()
	go func() {
		err := client.Free(rpcCtx, locator, req)
		ch <- rpcOutcome{err: err}
		close(ch)
	}()
	r.state = Freeing
}

// pollRPCLocked drains a completed RPC, if any, and hands its error (or
// nil) to onDone. If nothing has completed yet, it does nothing.
func (s *ReplicatedSegment) pollRPCLocked(r *Replica, onDone func(err error)) {
	out, ok := r.pollOutcome()
	if !ok {
		return
	}
	onDone(out.err)
}
