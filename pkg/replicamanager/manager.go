// Package replicamanager implements the Replica Manager (§4.5): the thin
// coordinator that owns one master's segment list, change-tracker views,
// backup selector, task scheduler, and write-RPC admission cap.
package replicamanager

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/storj-labs/replicamanager/internal/sync2"
	"github.com/storj-labs/replicamanager/pkg/backupselector"
	"github.com/storj-labs/replicamanager/pkg/changetracker"
	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/scheduler"
	"github.com/storj-labs/replicamanager/pkg/segment"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

var (
	// Error is the error class for the replicamanager package.
	Error = errs.Class("replica manager")
	mon   = monkit.Package()
)

// Manager is the Replica Manager (§4.5): a single instance per storage
// master. It implements segment.Owner and is the log's single point of
// contact for opening, syncing, closing, and freeing segments.
type Manager struct {
	log          *zap.Logger
	master       directory.ServerId
	config       Config
	backupClient transport.BackupClient

	// selfTracker is this manager's own change-tracker view, drained in
	// Proceed to forward REMOVED events to affected segments (§4.5
	// "forwards change-tracker events"). selectorTracker belongs to the
	// backup selector; the manager never reads it directly.
	selfTracker     *changetracker.Tracker
	selectorTracker *changetracker.Tracker
	selector        *backupselector.Selector
	scheduler       *scheduler.Scheduler
	writeLimiter    *sync2.Limiter

	// mu protects the segment list and shutdown state, per §4.5 "Holds
	// the single mutex that protects the segment list, the scheduler,
	// the selector, and the in-flight-RPC counter" (the scheduler,
	// selector, and limiter are each independently synchronized; this
	// mutex covers what only the manager itself owns).
	mu         sync.Mutex
	segments   map[uint64]*segment.ReplicatedSegment
	lastOpened *segment.ReplicatedSegment
	closed     bool
}

// New returns a Manager for master, reading directory changes from dir and
// issuing backup RPCs through backupClient. log may be nil.
func New(log *zap.Logger, master directory.ServerId, dir *directory.Directory, backupClient transport.BackupClient, config Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	config = config.withDefaults()

	selfTracker := changetracker.New(log.Named("tracker"))
	selectorTracker := changetracker.New(log.Named("selector_tracker"))
	for _, entry := range dir.SubscribeAndHydrate(selfTracker) {
		selfTracker.Enqueue(entry, directory.Added)
	}
	for _, entry := range dir.SubscribeAndHydrate(selectorTracker) {
		selectorTracker.Enqueue(entry, directory.Added)
	}

	m := &Manager{
		log:             log,
		master:          master,
		config:          config,
		backupClient:    backupClient,
		selfTracker:     selfTracker,
		selectorTracker: selectorTracker,
		selector:        backupselector.New(log.Named("selector"), selectorTracker, backupselector.Config{PowerOfKChoices: config.PowerOfKChoices}),
		scheduler:       scheduler.New(),
		writeLimiter:    sync2.NewLimiter(config.MaxWriteRPCsInFlight),
		segments:        make(map[uint64]*segment.ReplicatedSegment),
	}
	return m
}

// OpenSegment allocates and schedules a new replicated segment, linking it
// after whatever this manager most recently opened so I7 ("open-after-
// close") ordering is enforced across the master's segments (§4.4.2
// "open_segment").
func (m *Manager) OpenSegment(id uint64, data []byte, openLen int64) *segment.ReplicatedSegment {
	m.mu.Lock()
	predecessor := m.lastOpened
	m.mu.Unlock()

	seg := segment.Open(m.log.Named("segment"), m, m.master, id, data, openLen, predecessor)

	m.mu.Lock()
	m.segments[id] = seg
	m.lastOpened = seg
	m.mu.Unlock()
	return seg
}

// Segment returns the open segment with the given id, if any.
func (m *Manager) Segment(id uint64) (*segment.ReplicatedSegment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	return seg, ok
}

// Proceed implements segment.Owner: it forwards pending REMOVED events to
// every open segment, applies pending directory changes to the selector,
// and drains one round of the scheduler (§4.5 "proceed()"). It never
// blocks on I/O (§5 "proceed() never blocks on I/O").
func (m *Manager) Proceed(ctx context.Context) {
	var err error
	defer mon.Task()(&ctx)(&err)

	m.mu.Lock()
	affected := make([]*segment.ReplicatedSegment, 0, len(m.segments))
	for _, seg := range m.segments {
		affected = append(affected, seg)
	}
	m.mu.Unlock()

	for {
		entry, event, ok := m.selfTracker.GetChange()
		if !ok {
			break
		}
		if event == directory.Removed {
			for _, seg := range affected {
				seg.HandleBackupRemoved(entry.Id)
			}
		}
	}

	m.selector.ApplyTrackerChanges()
	m.scheduler.Proceed()
}

// Schedule implements segment.Owner by delegating to the manager's
// scheduler.
func (m *Manager) Schedule(task scheduler.Task) {
	m.scheduler.Schedule(task)
}

// ChoosePrimary implements segment.Owner by delegating to the backup
// selector.
func (m *Manager) ChoosePrimary(ctx context.Context, exclude map[directory.ServerId]bool, segmentBytes int64) (directory.ServerId, error) {
	return m.selector.ChoosePrimary(ctx, exclude, segmentBytes)
}

// ChooseSecondary implements segment.Owner by delegating to the backup
// selector.
func (m *Manager) ChooseSecondary(ctx context.Context, exclude map[directory.ServerId]bool) (directory.ServerId, error) {
	return m.selector.ChooseSecondary(ctx, exclude)
}

// ReleasePrimary implements segment.Owner.
func (m *Manager) ReleasePrimary(id directory.ServerId) {
	m.selector.Release(id)
}

// Locator implements segment.Owner, resolving id through the manager's own
// tracker view.
func (m *Manager) Locator(id directory.ServerId) (string, error) {
	return m.selfTracker.Locator(id)
}

// BackupClient implements segment.Owner.
func (m *Manager) BackupClient() transport.BackupClient { return m.backupClient }

// WriteLimiter implements segment.Owner.
func (m *Manager) WriteLimiter() *sync2.Limiter { return m.writeLimiter }

// NumReplicas implements segment.Owner.
func (m *Manager) NumReplicas() int { return m.config.NumReplicas }

// MaxWritePayloadBytes implements segment.Owner.
func (m *Manager) MaxWritePayloadBytes() int { return m.config.MaxWritePayloadBytes }

// DestroyAndFree implements segment.Owner's destroy_and_free (§4.5): called
// exactly once, when every replica of a freed segment has reached FREED.
func (m *Manager) DestroyAndFree(seg *segment.ReplicatedSegment) {
	m.mu.Lock()
	delete(m.segments, seg.ID())
	m.mu.Unlock()
	m.log.Debug("segment destroyed", zap.Uint64("segment_id", seg.ID()))
}

// Close flushes the scheduler once and marks the manager closed; any RPCs
// still outstanding afterward are abandoned, not awaited (§5 "Process-wide
// shutdown flushes the scheduler once, then abandons any still-outstanding
// RPCs"). It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Proceed(ctx)
	return nil
}
