// Package transport defines the external RPC collaborators named in spec
// §6. The replica manager core depends only on these interfaces; §1 treats
// the concrete wire transport as an external collaborator out of scope for
// this subsystem, the way the teacher keeps pkg/transport and
// pkg/piecestore/psclient behind a client interface rather than a concrete
// socket type.
package transport

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/storj-labs/replicamanager/pkg/directory"
)

// Error is the error class for transport-level failures (§7 "Transient
// network").
var Error = errs.Class("transport")

// ErrTimeout and ErrUnreachable are the transient failures the replica
// state machine treats as equivalent to each other (§7): both are retried,
// optionally against a freshly chosen backup.
var (
	ErrTimeout     = Error.New("rpc timeout")
	ErrUnreachable = Error.New("peer unreachable")
)

// Backup-side protocol errors (§6, §7 "Backup-side protocol"): these
// indicate a state-machine bug rather than a transient fault.
var (
	ErrSegmentAlreadyOpen = Error.New("segment already open")
	ErrSegmentNotOpen     = Error.New("segment not open")
	ErrSegmentOutOfOrder  = Error.New("segment write out of order")
)

// OpenRequest is the payload of the backup "open" verb (§6).
type OpenRequest struct {
	MasterId  directory.ServerId
	SegmentId uint64
	Data      []byte
	IsPrimary bool
}

// WriteRequest is the payload of the backup "write" verb (§6).
type WriteRequest struct {
	MasterId  directory.ServerId
	SegmentId uint64
	Offset    int64
	Data      []byte
	Close     bool
}

// FreeRequest is the payload of the backup "free" verb (§6).
type FreeRequest struct {
	MasterId  directory.ServerId
	SegmentId uint64
}

// BackupClient is the RPC collaborator a replica talks to. Every method is
// expected to enforce its own per-call deadline and return one of the
// errors above on failure; the replica state machine treats deadline
// expiry and transport failure identically (§7).
type BackupClient interface {
	Open(ctx context.Context, locator string, req OpenRequest) error
	Write(ctx context.Context, locator string, req WriteRequest) error
	Free(ctx context.Context, locator string, req FreeRequest) error
}

// EnlistRequest is the payload of the coordinator "enlist" verb (§6).
type EnlistRequest struct {
	Services  directory.ServiceMask
	Locator   string
	ReadMBps  float64
	WriteMBps float64
}

// CoordinatorClient is the RPC collaborator for cluster-directory
// maintenance (§6).
type CoordinatorClient interface {
	Enlist(ctx context.Context, req EnlistRequest) (directory.ServerId, error)
	HintServerDown(ctx context.Context, id directory.ServerId) error
	RequestServerList(ctx context.Context, id directory.ServerId) ([]directory.Entry, error)
}

// PingClient is the RPC collaborator for the failure detector's probes
// (§6).
type PingClient interface {
	Ping(ctx context.Context, locator string, nonce uint64) (echoedNonce uint64, directoryVersion uint64, err error)
}
