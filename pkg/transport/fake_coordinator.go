package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/storj-labs/replicamanager/pkg/directory"
)

// FakeCoordinator is an in-memory CoordinatorClient backed by a
// directory.Directory, standing in for the real coordinator RPC the same
// way FakeBackup stands in for a real backup process. For an enlist call
// that carries no locator it mints one with uuid.NewString, matching how a real coordinator
// would assign an address-like identifier distinct from the dense
// ServerId.
type FakeCoordinator struct {
	dir *directory.Directory

	mu    sync.Mutex
	hints []directory.ServerId
}

// NewFakeCoordinator returns a FakeCoordinator fronting dir.
func NewFakeCoordinator(dir *directory.Directory) *FakeCoordinator {
	return &FakeCoordinator{dir: dir}
}

// Enlist implements CoordinatorClient.
func (c *FakeCoordinator) Enlist(ctx context.Context, req EnlistRequest) (directory.ServerId, error) {
	locator := req.Locator
	if locator == "" {
		locator = uuid.NewString()
	}
	return c.dir.Add(req.Services, locator, req.ReadMBps, req.WriteMBps), nil
}

// HintServerDown implements CoordinatorClient. The demo coordinator treats
// a hint as authoritative and removes the server immediately; a real
// coordinator would corroborate it first.
func (c *FakeCoordinator) HintServerDown(ctx context.Context, id directory.ServerId) error {
	c.mu.Lock()
	c.hints = append(c.hints, id)
	c.mu.Unlock()
	return c.dir.Remove(id)
}

// RequestServerList implements CoordinatorClient.
func (c *FakeCoordinator) RequestServerList(ctx context.Context, id directory.ServerId) ([]directory.Entry, error) {
	return c.dir.Entries(), nil
}

// Hints returns every id ever hinted down, for test assertions.
func (c *FakeCoordinator) Hints() []directory.ServerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.ServerId(nil), c.hints...)
}

// FakePing is an in-memory PingClient: every locator it knows about
// responds with the directory version given to SetVersion, and locators
// marked Down fail as if unreachable.
type FakePing struct {
	mu      sync.Mutex
	version uint64
	down    map[string]bool
}

// NewFakePing returns a FakePing reporting version 0 until SetVersion is
// called.
func NewFakePing() *FakePing {
	return &FakePing{down: make(map[string]bool)}
}

// SetVersion sets the directory version every successful ping reports.
func (p *FakePing) SetVersion(version uint64) {
	p.mu.Lock()
	p.version = version
	p.mu.Unlock()
}

// SetDown marks locator as failing every ping.
func (p *FakePing) SetDown(locator string, down bool) {
	p.mu.Lock()
	p.down[locator] = down
	p.mu.Unlock()
}

// Ping implements PingClient.
func (p *FakePing) Ping(ctx context.Context, locator string, nonce uint64) (uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[locator] {
		return 0, 0, ErrUnreachable
	}
	return nonce, p.version, nil
}
