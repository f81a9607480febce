// Package backupselector implements the placement policy described in
// spec §4.2: it picks backups for new replicas, balancing load and
// enforcing that no two primaries of the same master share a backup when
// feasible.
package backupselector

import (
	"context"
	"math/rand"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/storj-labs/replicamanager/pkg/changetracker"
	"github.com/storj-labs/replicamanager/pkg/directory"
)

var (
	// Error is the error class for the backupselector package.
	Error = errs.Class("backup selector")
	mon   = monkit.Package()
)

// ErrNoBackups is returned when the tracker currently has no entry offering
// the BackupService — callers must treat this as "yield and retry," not as
// a fatal condition (§4.2 "Failure mode").
var ErrNoBackups = Error.New("no backup available")

// Stats is the per-backup load annotation the selector attaches through the
// change tracker (§3 BackupStats).
type Stats struct {
	PrimaryReplicaCount int
	ReadMBps            float64
}

// expectedReadSeconds estimates how long reading segmentBytes back from this
// backup would take, given its current primary load (§4.2 step 2).
func (s *Stats) expectedReadSeconds(segmentBytes int64) float64 {
	if s.ReadMBps <= 0 {
		return 1e18 // unusably slow; effectively deprioritized
	}
	mb := float64(segmentBytes) / (1024 * 1024)
	return float64(s.PrimaryReplicaCount+1) * mb / s.ReadMBps
}

// Config carries the selector's tunables (§6 "power_of_k_choices").
type Config struct {
	PowerOfKChoices int `help:"number of candidates sampled per primary placement decision" default:"5"`
}

// Selector is the Backup Selector (§4.2). One instance is owned by a single
// Replica Manager and therefore by a single master.
type Selector struct {
	log     *zap.Logger
	tracker *changetracker.Tracker
	config  Config
	rng     *rand.Rand

	mu           sync.Mutex
	primaryHosts map[directory.ServerId]bool
}

// New returns a Selector reading ADDED/REMOVED events from tracker.
func New(log *zap.Logger, tracker *changetracker.Tracker, config Config) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	if config.PowerOfKChoices <= 0 {
		config.PowerOfKChoices = 5
	}
	return &Selector{
		log:          log,
		tracker:      tracker,
		config:       config,
		rng:          rand.New(rand.NewSource(rand.Int63())),
		primaryHosts: make(map[directory.ServerId]bool),
	}
}

// ApplyTrackerChanges drains every pending tracker event, annotating newly
// ADDED backups with fresh Stats and letting REMOVED entries fall off (the
// tracker clears their annotation itself, §4.1). It must be called before
// choose_primary/choose_secondary observe the tracker's current roster
// (§4.2 step 1); per §9's open question, it may also run concurrently with
// a choose_primary retry loop — correctness relies only on P1/P2 holding at
// quiescence, not on any particular interleaving.
func (s *Selector) ApplyTrackerChanges() {
	for {
		entry, event, ok := s.tracker.GetChange()
		if !ok {
			return
		}
		switch event {
		case directory.Added:
			if entry.Services.Has(directory.BackupService) {
				_ = s.tracker.SetAnnotation(entry.Id, &Stats{ReadMBps: entry.ReadMBps})
			}
		case directory.Removed:
			s.mu.Lock()
			delete(s.primaryHosts, entry.Id)
			s.mu.Unlock()
		}
	}
}

// ChoosePrimary picks a backup for a primary replica of a segmentBytes-sized
// segment, excluding anything in exclude (already used by this segment).
// It never returns directory.InvalidServerId while any backup exists
// (§4.2 step 4).
func (s *Selector) ChoosePrimary(ctx context.Context, exclude map[directory.ServerId]bool, segmentBytes int64) (id directory.ServerId, err error) {
	defer mon.Task()(&ctx)(&err)

	s.ApplyTrackerChanges()

	candidates := s.tracker.AllWithService(directory.BackupService)
	if len(candidates) == 0 {
		return directory.InvalidServerId, ErrNoBackups
	}

	if id, ok := s.pickBest(candidates, exclude, segmentBytes, true); ok {
		s.mu.Lock()
		s.primaryHosts[id] = true
		s.mu.Unlock()
		s.bumpPrimaryCount(id)
		return id, nil
	}

	// No candidate survives the primary-uniqueness constraint: relax it
	// and warn, per §4.2 step 4.
	s.log.Warn("relaxing primary-uniqueness constraint; no eligible backup found otherwise")
	if id, ok := s.pickBest(candidates, exclude, segmentBytes, false); ok {
		s.mu.Lock()
		s.primaryHosts[id] = true
		s.mu.Unlock()
		s.bumpPrimaryCount(id)
		return id, nil
	}

	return directory.InvalidServerId, ErrNoBackups
}

func (s *Selector) bumpPrimaryCount(id directory.ServerId) {
	raw, err := s.tracker.Annotation(id)
	if err != nil {
		return
	}
	if stats, ok := raw.(*Stats); ok {
		stats.PrimaryReplicaCount++
	}
}

// pickBest walks the candidates in random order until it has scored k that
// pass the filters (power-of-k choices), and returns the one with the
// smallest expected read time (§4.2 steps 2-3). A rejected candidate is
// replaced by the next one in the order. If enforcePrimaryUnique is true,
// candidates already hosting a primary of this master are rejected.
func (s *Selector) pickBest(candidates []directory.Entry, exclude map[directory.ServerId]bool, segmentBytes int64, enforcePrimaryUnique bool) (directory.ServerId, bool) {
	k := s.config.PowerOfKChoices
	if k > len(candidates) {
		k = len(candidates)
	}

	perm := s.rng.Perm(len(candidates))

	var (
		best     directory.ServerId
		bestTime = -1.0
		found    bool
		scored   int
	)
	for _, i := range perm {
		if scored == k {
			break
		}
		entry := candidates[i]
		if exclude[entry.Id] {
			continue
		}
		if enforcePrimaryUnique {
			s.mu.Lock()
			hosting := s.primaryHosts[entry.Id]
			s.mu.Unlock()
			if hosting {
				continue
			}
		}

		raw, err := s.tracker.Annotation(entry.Id)
		if err != nil {
			continue
		}
		stats, ok := raw.(*Stats)
		if !ok {
			continue
		}

		scored++
		t := stats.expectedReadSeconds(segmentBytes)
		if !found || t < bestTime {
			best, bestTime, found = entry.Id, t, true
		}
	}
	return best, found
}

// ChooseSecondary picks a uniformly random eligible backup for a secondary
// replica, rejecting anything in exclude. It does not update load stats
// (§4.2 "Does not update the stats counter").
func (s *Selector) ChooseSecondary(ctx context.Context, exclude map[directory.ServerId]bool) (id directory.ServerId, err error) {
	defer mon.Task()(&ctx)(&err)

	s.ApplyTrackerChanges()

	candidates := s.tracker.AllWithService(directory.BackupService)
	var eligible []directory.ServerId
	for _, c := range candidates {
		if !exclude[c.Id] {
			eligible = append(eligible, c.Id)
		}
	}
	if len(eligible) == 0 {
		return directory.InvalidServerId, ErrNoBackups
	}
	return eligible[s.rng.Intn(len(eligible))], nil
}

// Release tells the selector a backup is no longer hosting a primary for
// this master (called when a primary replica is reassigned or freed).
func (s *Selector) Release(id directory.ServerId) {
	s.mu.Lock()
	delete(s.primaryHosts, id)
	s.mu.Unlock()
}
