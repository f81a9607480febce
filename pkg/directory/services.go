package directory

// ServiceMask is a bitmask of services a server offers (§3 ServerEntry,
// §6 wire form service_mask).
type ServiceMask uint32

const (
	// MasterService marks a server that owns and writes segments.
	MasterService ServiceMask = 1 << iota
	// BackupService marks a server that stores segment replicas.
	BackupService
	// MembershipService marks a server that can answer membership queries.
	MembershipService
	// PingService marks a server that answers failure-detector pings.
	PingService
)

// Has reports whether mask contains every bit set in want.
func (mask ServiceMask) Has(want ServiceMask) bool {
	return mask&want == want
}
