package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the robot's push data to stdout",
	Long: `Connect to the robot's push port and print every pushed frame to
stdout, one JSON payload per line prefixed with the command code.

With --interval the robot is first asked to push at that period (in
milliseconds); --include and --exclude select the pushed fields.

Examples:
  amrlink --host 192.168.192.5 watch
  amrlink --host 192.168.192.5 watch --interval 100 --include x,y,angle
  amrlink --config robot.toml watch --buffer 1024 --drop-oldest`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchInterval int
	watchInclude  []string
	watchExclude  []string
	watchBuffer   int
	dropOldest    bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().IntVar(&watchInterval, "interval", 0, "push interval in milliseconds (0 leaves the robot's setting)")
	watchCmd.Flags().StringSliceVar(&watchInclude, "include", nil, "field names to include in pushed data")
	watchCmd.Flags().StringSliceVar(&watchExclude, "exclude", nil, "field names to exclude from pushed data")
	watchCmd.Flags().IntVar(&watchBuffer, "buffer", 0, "per-subscriber frame buffer (default from config)")
	watchCmd.Flags().BoolVar(&dropOldest, "drop-oldest", false, "drop oldest buffered frames when falling behind")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bufSize := cfg.Push.BufferSize
	if watchBuffer > 0 {
		bufSize = watchBuffer
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	if dropOldest {
		policy = amrlink.DropOldest
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RobotPorts().Push))
	listener, err := amrlink.NewPushListener().
		WithAddress(addr).
		WithLogger(logger).
		WithDialTimeout(cfg.DialTimeout.Std()).
		WithBufferSize(bufSize).
		WithOverflowPolicy(policy).
		WithMaxPayloadSize(cfg.MaxPayloadBytes).
		WithTelemetry(telemetryBundle()).
		Build()
	if err != nil {
		return err
	}

	ended := make(chan error, 1)
	if _, err := listener.Subscribe(&printingSubscriber{ended: ended}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Connect(ctx); err != nil {
		return err
	}
	defer listener.Close()

	if watchInterval > 0 || len(watchInclude) > 0 || len(watchExclude) > 0 {
		pushCfg := amrlink.PushConfig{
			IntervalMS:     watchInterval,
			IncludedFields: watchInclude,
			ExcludedFields: watchExclude,
		}
		if err := listener.Configure(ctx, pushCfg); err != nil {
			return fmt.Errorf("configuring push stream: %w", err)
		}
		logger.Info("push stream configured",
			zap.Int("interval_ms", watchInterval),
			zap.Strings("include", watchInclude),
			zap.Strings("exclude", watchExclude))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("watching push stream, press Ctrl+C to exit", zap.String("addr", addr))

	select {
	case sig := <-sigChan:
		logger.Debug("signal received, exiting", zap.String("signal", sig.String()))
		return nil
	case err := <-ended:
		// The core never reconnects by itself; surface the loss and let
		// the operator rerun.
		return fmt.Errorf("push stream ended: %w", err)
	}
}

type printingSubscriber struct {
	amrlink.BasePushSubscriber
	ended chan error
}

func (s *printingSubscriber) OnPush(ctx context.Context, code uint16, payload []byte) error {
	fmt.Printf("%d\t%s\n", code, payload)
	return nil
}

func (s *printingSubscriber) OnStreamEnd(err error) {
	if err == nil {
		return // deliberate close on shutdown
	}
	select {
	case s.ended <- err:
	default:
	}
}
