package transport

import (
	"context"
	"strconv"
	"sync"
)

// FakeBackup is an in-memory BackupClient standing in for a real backup
// process in tests, in the spirit of the teacher's in-package test doubles
// (e.g. kademlia's test_utils.go). It is addressed by locator, mirroring
// how a real client would be keyed by network address.
type FakeBackup struct {
	mu      sync.Mutex
	byAddr  map[string]*fakeBackupState
	Down    map[string]bool // locators that fail every call
	History []string        // "verb locator" log, in call order
}

type fakeBackupState struct {
	open      bool
	committed int64
	closed    bool
}

// NewFakeBackup returns an empty FakeBackup.
func NewFakeBackup() *FakeBackup {
	return &FakeBackup{
		byAddr: make(map[string]*fakeBackupState),
		Down:   make(map[string]bool),
	}
}

func (f *FakeBackup) stateFor(locator string, segmentID uint64) *fakeBackupState {
	full := locatorSegmentKey(locator, segmentID)
	s, ok := f.byAddr[full]
	if !ok {
		s = &fakeBackupState{}
		f.byAddr[full] = s
	}
	return s
}

func locatorSegmentKey(locator string, segmentID uint64) string {
	return locator + "#" + strconv.FormatUint(segmentID, 10)
}

// Open implements BackupClient.
func (f *FakeBackup) Open(ctx context.Context, locator string, req OpenRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down[locator] {
		return ErrUnreachable
	}
	f.History = append(f.History, "open "+locator)

	s := f.stateFor(locator, req.SegmentId)
	if s.open {
		return ErrSegmentAlreadyOpen
	}
	s.open = true
	s.committed = int64(len(req.Data))
	return nil
}

// Write implements BackupClient.
func (f *FakeBackup) Write(ctx context.Context, locator string, req WriteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down[locator] {
		return ErrUnreachable
	}
	f.History = append(f.History, "write "+locator)

	s := f.stateFor(locator, req.SegmentId)
	if !s.open {
		return ErrSegmentNotOpen
	}
	if req.Offset != s.committed {
		return ErrSegmentOutOfOrder
	}
	s.committed += int64(len(req.Data))
	if req.Close {
		s.closed = true
	}
	return nil
}

// Free implements BackupClient.
func (f *FakeBackup) Free(ctx context.Context, locator string, req FreeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down[locator] {
		return ErrUnreachable
	}
	f.History = append(f.History, "free "+locator)

	delete(f.byAddr, locatorSegmentKey(locator, req.SegmentId))
	return nil
}

// CommittedLength returns how many bytes locator/segmentID has acknowledged,
// for test assertions.
func (f *FakeBackup) CommittedLength(locator string, segmentID uint64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byAddr[locatorSegmentKey(locator, segmentID)]
	if !ok {
		return 0
	}
	return s.committed
}

// IsClosed reports whether locator/segmentID has been closed.
func (f *FakeBackup) IsClosed(locator string, segmentID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byAddr[locatorSegmentKey(locator, segmentID)]
	return ok && s.closed
}

// SetDown marks locator as failing every subsequent call, simulating a
// backup that has stopped responding.
func (f *FakeBackup) SetDown(locator string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down[locator] = down
}
