package replicamanager

import "github.com/storj-labs/replicamanager/pkg/segment"

// Stats is a point-in-time snapshot of the manager's load, supplementing
// §4.5 with the counters a durability dashboard needs (the RAMCloud
// lineage's ReplicaManager/BackupSelector expose similar counters; the
// distilled spec elides them). ReplicaStates is keyed by
// segment.ReplicaState.String().
type Stats struct {
	OpenSegments      int
	SchedulerPending  int
	WriteRPCsInFlight int
	WriteRPCCap       int
	ReplicaStates     map[string]int
}

// Stats returns a snapshot of the manager's current load and reports it as
// monkit gauges, in the style of checker.go's durabilityStats observation.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	segs := make([]*segment.ReplicatedSegment, 0, len(m.segments))
	for _, seg := range m.segments {
		segs = append(segs, seg)
	}
	m.mu.Unlock()

	states := make(map[string]int)
	for _, seg := range segs {
		for _, r := range seg.Replicas() {
			states[r.State.String()]++
		}
	}

	stats := Stats{
		OpenSegments:      len(segs),
		SchedulerPending:  m.scheduler.Pending(),
		WriteRPCsInFlight: m.writeLimiter.InUse(),
		WriteRPCCap:       m.writeLimiter.Cap(),
		ReplicaStates:     states,
	}

	mon.IntVal("open_segments").Observe(int64(stats.OpenSegments))
	mon.IntVal("scheduler_pending").Observe(int64(stats.SchedulerPending))
	mon.IntVal("write_rpcs_in_flight").Observe(int64(stats.WriteRPCsInFlight))

	return stats
}
