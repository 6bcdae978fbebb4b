package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pitrac/internal/dispatcher"
	"pitrac/internal/events"
	"pitrac/internal/ipc"
	"pitrac/internal/transport"
)

var (
	sendPublishEndpoint string
	sendSettle          time.Duration
)

// sendCmd publishes one message on the local publisher endpoint, standing in
// for the peer process. The peer must not be running.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish a single IPC message as the peer process.",
}

var sendShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the other process to exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendOne(ipc.Shutdown{})
	},
}

var sendRequestCmd = &cobra.Command{
	Use:   "request-image",
	Short: "Ask camera 2 to arm for the next capture.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendOne(ipc.RequestForImage{})
	},
}

var sendControlCmd = &cobra.Command{
	Use:       "control [putter|driver]",
	Short:     "Send a club change control message.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"putter", "driver"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "putter":
			return sendOne(ipc.Control{Action: ipc.ControlClubChangeToPutter})
		case "driver":
			return sendOne(ipc.Control{Action: ipc.ControlClubChangeToDriver})
		}
		return fmt.Errorf("unknown club %q", args[0])
	},
}

var sendImageCmd = &cobra.Command{
	Use:   "image <path>",
	Short: "Send an image file as if camera 2 had captured it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSender(func(d *dispatcher.Dispatcher) error {
			return d.SimulateCamera2Image(args[0])
		})
	},
}

func init() {
	sendCmd.PersistentFlags().StringVar(&sendPublishEndpoint, "publish", "", "endpoint to bind (defaults to the configured endpoint on all interfaces)")
	sendCmd.PersistentFlags().DurationVar(&sendSettle, "settle", 500*time.Millisecond, "time given to subscribers to connect before sending")
	sendCmd.AddCommand(sendShutdownCmd, sendRequestCmd, sendControlCmd, sendImageCmd)
	rootCmd.AddCommand(sendCmd)
}

func sendOne(m ipc.Message) error {
	return withSender(func(d *dispatcher.Dispatcher) error {
		return d.Send(m)
	})
}

func withSender(send func(*dispatcher.Dispatcher) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := dispatcher.ParseSystemMode(cfg.SystemMode)
	if err != nil {
		return err
	}

	publish := sendPublishEndpoint
	if publish == "" {
		publish = cfg.IPCPublishEndpoint
	}
	d := dispatcher.New(dispatcher.Options{
		SystemID:        fmt.Sprintf("pitrac_cli_%d", os.Getpid()),
		Mode:            mode,
		Endpoint:        cfg.Endpoint(),
		PublishEndpoint: publish,
		Transport: transport.Options{
			HighWaterMark:  cfg.HighWaterMark,
			ReceiveTimeout: time.Duration(cfg.ReceiveTimeoutMs) * time.Millisecond,
			Linger:         time.Duration(cfg.LingerMs) * time.Millisecond,
		},
	}, events.NewQueue(), log)
	if err := d.Initialize(); err != nil {
		return err
	}
	defer d.Shutdown()

	// PUB sockets drop messages sent before the subscriber has connected.
	time.Sleep(sendSettle)
	if err := send(d); err != nil {
		return err
	}
	log.Info("✅ Message queued on %s", d.SystemID())
	return nil
}
