// Package faildetector implements the Failure Detector (§4.6): an
// independent cooperative loop that probes a random peer each interval,
// hints the coordinator about unresponsive peers, and detects when this
// process's directory view has fallen behind the rest of the cluster.
package faildetector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/storj-labs/replicamanager/internal/errs2"
	"github.com/storj-labs/replicamanager/internal/sync2"
	"github.com/storj-labs/replicamanager/pkg/changetracker"
	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

var (
	// Error is the error class for the faildetector package.
	Error = errs.Class("failure detector")
	mon   = monkit.Package()
)

// Detector is the Failure Detector (§4.6). It runs on its own cooperative
// cycle and does not share the replica manager's mutex (§5); it talks to
// the rest of the system only through its own change-tracker view (thread-
// safe enqueue) and the coordinator/ping clients.
type Detector struct {
	log     *zap.Logger
	self    directory.ServerId
	dir     *directory.Directory
	tracker *changetracker.Tracker

	ping        transport.PingClient
	coordinator transport.CoordinatorClient

	config Config
	rng    *rand.Rand
	cycle  *sync2.Cycle

	mu                  sync.Mutex
	suspecting          bool
	suspectSinceVersion uint64
	suspectSince        time.Time
}

// New returns a Detector for self, reading directory changes from dir and
// probing peers through ping, with failure hints and refresh requests sent
// to coordinator. log may be nil.
func New(log *zap.Logger, self directory.ServerId, dir *directory.Directory, ping transport.PingClient, coordinator transport.CoordinatorClient, config Config) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	config = config.withDefaults()

	tracker := changetracker.New(log.Named("tracker"))
	for _, entry := range dir.SubscribeAndHydrate(tracker) {
		tracker.Enqueue(entry, directory.Added)
	}

	return &Detector{
		log:         log,
		self:        self,
		dir:         dir,
		tracker:     tracker,
		ping:        ping,
		coordinator: coordinator,
		config:      config,
		rng:         rand.New(rand.NewSource(rand.Int63())),
		cycle:       sync2.NewCycle(config.ProbeInterval),
	}
}

// Run drives the probe cycle until ctx is canceled or Close is called.
func (d *Detector) Run(ctx context.Context) error {
	return d.cycle.Run(ctx, func(ctx context.Context) error {
		d.probeOnce(ctx)
		return nil
	})
}

// Close stops the probe cycle after its current iteration.
func (d *Detector) Close() error {
	d.cycle.Close()
	return nil
}

// probeOnce runs one round: drain pending directory changes, pick a random
// ping-capable peer excluding self, and probe it. Every failure mode named
// in §4.6 is handled without propagating an error, so the cycle keeps
// ticking.
func (d *Detector) probeOnce(ctx context.Context) {
	var err error
	defer mon.Task()(&ctx)(&err)

	d.drainTracker()

	peer := d.randomPingPeerExcludingSelf()
	if peer == directory.InvalidServerId {
		// No ping-capable peer yet; nothing to probe this round.
		return
	}

	locator, lookupErr := d.tracker.Locator(peer)
	if lookupErr != nil {
		// Stale-id race: peer was removed between selection and use.
		// Not an error; skip the round (§4.6).
		return
	}

	pctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	defer cancel()

	nonce := d.rng.Uint64()
	_, peerVersion, pingErr := d.ping.Ping(pctx, locator, nonce)
	if pingErr != nil {
		if errs2.IsCanceled(pingErr) {
			err = pingErr
			return
		}
		d.hintServerDown(ctx, peer)
		return
	}

	d.observeDirectoryVersion(ctx, peerVersion)
}

func (d *Detector) drainTracker() {
	for {
		if _, _, ok := d.tracker.GetChange(); !ok {
			return
		}
	}
}

func (d *Detector) randomPingPeerExcludingSelf() directory.ServerId {
	candidates := d.tracker.AllWithService(directory.PingService)
	var eligible []directory.ServerId
	for _, c := range candidates {
		if c.Id != d.self {
			eligible = append(eligible, c.Id)
		}
	}
	if len(eligible) == 0 {
		return directory.InvalidServerId
	}
	return eligible[d.rng.Intn(len(eligible))]
}

// hintServerDown tells the coordinator peer looks unresponsive, swallowing
// any transport error on the hint itself (§4.6 "swallow transport errors on
// the hint itself").
func (d *Detector) hintServerDown(ctx context.Context, peer directory.ServerId) {
	hctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	defer cancel()
	if err := d.coordinator.HintServerDown(hctx, peer); err != nil {
		d.log.Debug("hint_server_down failed", zap.Error(err))
	}
}

// observeDirectoryVersion implements the SUSPECTING_STALE state machine
// (§4.6): entering suspicion when a peer reports a strictly newer version,
// dropping it once the local version catches up, and requesting a fresh
// directory push if suspicion persists past StaleTimeout.
func (d *Detector) observeDirectoryVersion(ctx context.Context, peerVersion uint64) {
	localVersion := d.dir.Version()

	d.mu.Lock()
	var shouldRefresh bool
	switch {
	case !d.suspecting:
		if peerVersion > localVersion {
			d.suspecting = true
			d.suspectSinceVersion = localVersion
			d.suspectSince = time.Now()
		}
	case localVersion > d.suspectSinceVersion:
		d.suspecting = false
	case time.Since(d.suspectSince) >= d.config.StaleTimeout:
		d.suspecting = false
		shouldRefresh = true
	}
	d.mu.Unlock()

	if shouldRefresh {
		d.refreshDirectory(ctx)
	}
}

// refreshDirectory requests a fresh server list from the coordinator and
// applies it, dropping suspicion regardless of the outcome (§4.6).
func (d *Detector) refreshDirectory(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	defer cancel()

	entries, err := d.coordinator.RequestServerList(rctx, d.self)
	if err != nil {
		d.log.Warn("request_server_list failed", zap.Error(err))
		return
	}
	d.dir.ApplySnapshot(entries)
}

// IsSuspectingStale reports whether the detector currently believes its
// directory view may be behind the cluster, for tests and diagnostics.
func (d *Detector) IsSuspectingStale() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspecting
}
