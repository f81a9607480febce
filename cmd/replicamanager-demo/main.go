// Command replicamanager-demo exercises the Replica Manager end to end
// against an in-memory coordinator and backup fleet, the way
// cmd/piecestore-farmer wires its pkg/piecestore components together for a
// standalone run.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storj-labs/replicamanager/pkg/config"
	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/faildetector"
	"github.com/storj-labs/replicamanager/pkg/replicamanager"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

// demoConfig bundles the manager and failure-detector tunables exposed on
// the command line (§6 "Configuration knobs").
type demoConfig struct {
	Manager      replicamanager.Config
	FailDetector faildetector.Config

	NumBackups    int           `help:"number of backup servers to enlist before writing" default:"5"`
	SegmentBytes  int           `help:"size in bytes of the demo segment written to the log" default:"65536"`
	RunFor        time.Duration `help:"upper bound on how long the failure detector runs alongside the demo" default:"500ms"`
}

func main() {
	cfg := &demoConfig{}

	cmd := &cobra.Command{
		Use:   "replicamanager-demo",
		Short: "Open, write, sync, close, and free a segment against an in-memory backup fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Exec(cmd, cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	if err := config.Bind(cmd, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *demoConfig) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}

	dir := directory.New()
	coordinator := transport.NewFakeCoordinator(dir)
	backups := transport.NewFakeBackup()
	ping := transport.NewFakePing()

	masterID, err := coordinator.Enlist(ctx, transport.EnlistRequest{
		Services: directory.MasterService,
	})
	if err != nil {
		return err
	}

	for i := 0; i < cfg.NumBackups; i++ {
		if _, err := coordinator.Enlist(ctx, transport.EnlistRequest{
			Services:  directory.BackupService | directory.PingService,
			ReadMBps:  100,
			WriteMBps: 100,
		}); err != nil {
			return err
		}
	}

	mgr := replicamanager.New(log.Named("manager"), masterID, dir, backups, cfg.Manager)
	detector := faildetector.New(log.Named("faildetector"), masterID, dir, ping, coordinator, cfg.FailDetector)

	detectorCtx, cancelDetector := context.WithTimeout(ctx, cfg.RunFor)
	defer cancelDetector()
	go func() {
		if err := detector.Run(detectorCtx); err != nil {
			log.Debug("failure detector stopped", zap.Error(err))
		}
	}()

	data := make([]byte, cfg.SegmentBytes)
	for i := range data {
		data[i] = byte(i)
	}
	openLen := int64(len(data) / 4)

	seg := mgr.OpenSegment(1, data, openLen)

	syncCtx, cancelSync := context.WithTimeout(ctx, 30*time.Second)
	defer cancelSync()

	if err := seg.Sync(syncCtx, openLen); err != nil {
		return err
	}

	if err := seg.Sync(syncCtx, int64(len(data))); err != nil {
		return err
	}

	if err := seg.CloseAndSync(syncCtx); err != nil {
		return err
	}
	seg.Free()

	for !seg.IsFullyFreed() {
		mgr.Schedule(seg)
		mgr.Proceed(syncCtx)
	}

	stats := mgr.Stats()
	log.Info("segment durable and freed",
		zap.Int("open_segments", stats.OpenSegments),
		zap.Int("write_rpcs_in_flight", stats.WriteRPCsInFlight),
	)

	return mgr.Close(ctx)
}
