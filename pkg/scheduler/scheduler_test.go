package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/pkg/scheduler"
)

type countingTask struct {
	runs int
}

func (t *countingTask) Perform() { t.runs++ }

type reschedulingTask struct {
	s       *scheduler.Scheduler
	runs    int
	maxRuns int
}

func (t *reschedulingTask) Perform() {
	t.runs++
	if t.runs < t.maxRuns {
		t.s.Schedule(t)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	s := scheduler.New()
	task := &countingTask{}

	s.Schedule(task)
	s.Schedule(task)
	require.Equal(t, 1, s.Pending())

	s.Proceed()
	require.Equal(t, 1, task.runs)
}

func TestSelfRescheduleDeferredToNextProceed(t *testing.T) {
	s := scheduler.New()
	task := &reschedulingTask{s: s, maxRuns: 3}
	s.Schedule(task)

	s.Proceed()
	require.Equal(t, 1, task.runs, "reschedule from within Perform must not run in the same Proceed")
	require.Equal(t, 1, s.Pending())

	s.ProceedAll()
	require.Equal(t, 3, task.runs)
	require.True(t, s.IsIdle())
}

func TestProceedRunsInFIFOOrder(t *testing.T) {
	s := scheduler.New()
	var order []int
	mk := func(id int) *orderTask { return &orderTask{id: id, order: &order} }

	s.Schedule(mk(1))
	s.Schedule(mk(2))
	s.Schedule(mk(3))
	s.Proceed()

	require.Equal(t, []int{1, 2, 3}, order)
}

type orderTask struct {
	id    int
	order *[]int
}

func (t *orderTask) Perform() { *t.order = append(*t.order, t.id) }
