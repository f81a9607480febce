package changetracker_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/pkg/changetracker"
	"github.com/storj-labs/replicamanager/pkg/directory"
)

func TestGetChangeIsFIFO(t *testing.T) {
	tracker := changetracker.New(nil)

	a := directory.Entry{Id: directory.NewServerId(1, 0), Locator: "a"}
	b := directory.Entry{Id: directory.NewServerId(2, 0), Locator: "b"}
	tracker.Enqueue(a, directory.Added)
	tracker.Enqueue(b, directory.Added)

	entry, event, ok := tracker.GetChange()
	require.True(t, ok)
	require.Equal(t, directory.Added, event)
	require.Equal(t, "a", entry.Locator)

	entry, _, ok = tracker.GetChange()
	require.True(t, ok)
	require.Equal(t, "b", entry.Locator)

	_, _, ok = tracker.GetChange()
	require.False(t, ok)
}

func TestSizeReflectsPostConsumptionState(t *testing.T) {
	tracker := changetracker.New(nil)
	a := directory.Entry{Id: directory.NewServerId(1, 0), Locator: "a"}

	tracker.Enqueue(a, directory.Added)
	require.Equal(t, 0, tracker.Size(), "not yet drained")

	_, _, ok := tracker.GetChange()
	require.True(t, ok)
	require.Equal(t, 1, tracker.Size(), "grows only once ADDED is drained")

	tracker.Enqueue(a, directory.Removed)
	require.Equal(t, 1, tracker.Size(), "still present until REMOVED is drained")

	_, _, ok = tracker.GetChange()
	require.True(t, ok)
	require.Equal(t, 0, tracker.Size(), "shrinks only once REMOVED is drained")
}

func TestAnnotationRoundTrips(t *testing.T) {
	tracker := changetracker.New(nil)
	a := directory.Entry{Id: directory.NewServerId(1, 0), Locator: "a"}
	tracker.Enqueue(a, directory.Added)
	_, _, _ = tracker.GetChange()

	require.NoError(t, tracker.SetAnnotation(a.Id, 42))
	got, err := tracker.Annotation(a.Id)
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestAnnotationUnknownServer(t *testing.T) {
	tracker := changetracker.New(nil)
	_, err := tracker.Annotation(directory.NewServerId(9, 0))
	require.ErrorIs(t, err, changetracker.ErrUnknownServer)
}

func TestChangesPendingCallbackFiresOnlyOnTransitionFromEmpty(t *testing.T) {
	tracker := changetracker.New(nil)
	calls := 0
	tracker.SetChangesPendingCallback(func() { calls++ })

	a := directory.Entry{Id: directory.NewServerId(1, 0), Locator: "a"}
	tracker.Enqueue(a, directory.Added)
	tracker.Enqueue(a, directory.Added)
	require.Equal(t, 1, calls)

	_, _, _ = tracker.GetChange()
	_, _, _ = tracker.GetChange()
	tracker.Enqueue(a, directory.Added)
	require.Equal(t, 2, calls)
}

func TestRandomAndAllWithServiceFilterByMask(t *testing.T) {
	tracker := changetracker.New(nil)
	backup := directory.Entry{Id: directory.NewServerId(1, 0), Services: directory.BackupService, Locator: "backup"}
	master := directory.Entry{Id: directory.NewServerId(2, 0), Services: directory.MasterService, Locator: "master"}
	tracker.Enqueue(backup, directory.Added)
	tracker.Enqueue(master, directory.Added)

	all := tracker.AllWithService(directory.BackupService)
	require.Len(t, all, 1)
	require.Equal(t, "backup", all[0].Locator)

	id := tracker.RandomWithService(directory.BackupService)
	require.Equal(t, backup.Id, id)

	none := tracker.RandomWithService(directory.MembershipService)
	require.Equal(t, directory.InvalidServerId, none)
}
