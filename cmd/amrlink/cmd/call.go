package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink"
)

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <category> <code> [json-payload]",
	Short: "Send one command to the robot and print its response",
	Long: `Send a single request frame on one of the robot's command ports and
print the JSON response payload to stdout.

The first argument is the port category: status, control, task, config
or other. The second is the numeric command code (decimal or 0x hex).
The optional third argument is the JSON payload; it defaults to "{}".

Examples:
  amrlink --host 192.168.192.5 call status 1004
  amrlink --host 192.168.192.5 call task 3051 '{"id":"Station1"}'
  amrlink --config robot.toml call control 2000 '{}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

var callTimeout time.Duration

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "per-call timeout (default from config)")
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	category, err := amrlink.ParseCategory(args[0])
	if err != nil {
		return err
	}
	code, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid command code %q: %w", args[1], err)
	}
	payload := []byte("{}")
	if len(args) == 3 {
		payload = []byte(args[2])
	}

	timeout := cfg.CallTimeout.Std()
	if callTimeout > 0 {
		timeout = callTimeout
	}

	port := cfg.RobotPorts().For(category)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	client, err := amrlink.NewClient().
		WithAddress(addr).
		WithLogger(logger).
		WithDialTimeout(cfg.DialTimeout.Std()).
		WithCallTimeout(timeout).
		WithMaxPayloadSize(cfg.MaxPayloadBytes).
		WithTelemetry(telemetryBundle()).
		Build()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	logger.Debug("sending command",
		zap.Stringer("category", category),
		zap.Uint64("code", code),
		zap.ByteString("payload", payload))

	response, err := client.Call(ctx, uint16(code), payload)
	if err != nil {
		var remote *amrlink.RemoteError
		if errors.As(err, &remote) {
			stderrf("robot error %d: %s\n", remote.Code, remote.Message)
		}
		return err
	}

	fmt.Println(string(response))
	return nil
}
