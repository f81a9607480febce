package segment

import (
	"context"

	"github.com/storj-labs/replicamanager/internal/sync2"
	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/scheduler"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

// Owner is the capability set a ReplicatedSegment needs from whatever owns
// it. The Replica Manager implements it; defining the interface here (not
// in replicamanager) keeps segment free of an import cycle and matches
// §9's note that inheritance in the original collapses to a small
// capability-set trait.
type Owner interface {
	ChoosePrimary(ctx context.Context, exclude map[directory.ServerId]bool, segmentBytes int64) (directory.ServerId, error)
	ChooseSecondary(ctx context.Context, exclude map[directory.ServerId]bool) (directory.ServerId, error)
	ReleasePrimary(id directory.ServerId)

	Locator(id directory.ServerId) (string, error)

	BackupClient() transport.BackupClient
	WriteLimiter() *sync2.Limiter

	Schedule(task scheduler.Task)
	// Proceed drains the owner's scheduler (and whatever else its own
	// proceed() does, e.g. applying tracker changes) exactly once. sync()
	// calls it in a loop as its one cooperative suspension point (§5).
	Proceed(ctx context.Context)

	NumReplicas() int
	MaxWritePayloadBytes() int

	// DestroyAndFree is called exactly once, when every replica of a freed
	// segment has reached FREED (§4.5 "destroy_and_free").
	DestroyAndFree(seg *ReplicatedSegment)
}
