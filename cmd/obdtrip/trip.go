package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/obdtrip/internal/groutine"
	"github.com/srg/obdtrip/internal/statusapi"
	"github.com/srg/obdtrip/internal/transport"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/srg/obdtrip/pkg/obd"
)

// emulatorAddress is used when the emulator transport runs without an address.
const emulatorAddress = "00:00:00:00:00:00"

// tripCmd represents the trip command
var tripCmd = &cobra.Command{
	Use:   "trip [adapter-address]",
	Short: "Measure trip distance from vehicle speed",
	Long: `Connects to the OBD-II adapter, keeps the connection alive (reconnecting
after drops) and integrates the reported vehicle speed into trip distance until
interrupted or --duration elapses.

Two totals are shown: the raw distance and a truncated whole-metre total that
averages consecutive speed samples.

Example:
  obdtrip trip 10:21:3E:48:16:76
  obdtrip trip --transport serial --serial-path /dev/rfcomm0
  obdtrip trip --transport emulator --duration 1m --listen :8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrip,
}

var (
	tripDuration time.Duration
	tripRefresh  time.Duration
)

func init() {
	tripCmd.Flags().String("transport", "", "Adapter transport: bluez, rfcomm, serial, ble or emulator")
	tripCmd.Flags().String("serial-path", "", "TTY for the serial transport")
	tripCmd.Flags().Int("baud", 0, "Baud rate for the serial transport")
	tripCmd.Flags().String("adapter", "", "Local Bluetooth adapter for the bluez transport")
	tripCmd.Flags().Int("rfcomm-channel", 0, "RFCOMM channel for the rfcomm transport")
	tripCmd.Flags().String("listen", "", "Serve the status API on this address (e.g. :8080)")
	tripCmd.Flags().String("gate", "", "Sample gating: strict or legacy")
	tripCmd.Flags().DurationVar(&tripDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	tripCmd.Flags().DurationVar(&tripRefresh, "refresh", 500*time.Millisecond, "Display refresh interval")
}

func runTrip(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	address := cfg.Address
	if len(args) == 1 {
		address = args[0]
	}
	if address == "" && cfg.Transport == "emulator" {
		address = emulatorAddress
	}
	if address == "" {
		return ErrNoAddress
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if tripDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, tripDuration)
		defer cancel()
	}

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	provider, err := transport.New(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	manager := obd.NewManager(provider, cfg.ManagerOptions(), logger)
	defer manager.Close()

	trip := distance.New(manager, cfg.AccumulatorOptions(), logger)
	defer trip.Close()

	var group groutine.Group
	defer group.Wait()
	if cfg.Listen != "" {
		api := statusapi.NewServer(manager, trip, logger)
		api.SetDefaultAddress(address)
		group.Go(ctx, "status-api", func(ctx context.Context) {
			if err := api.ListenAndServe(ctx, cfg.Listen); err != nil {
				logger.WithError(err).Error("Status API stopped")
			}
		})
	}

	trip.Begin()
	manager.Connect(address)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Trip started for %s over %s\n", address, cfg.Transport)

	view := newTripView(out, isTerminal(out))
	view.run(ctx, manager, trip, tripRefresh)

	view.summary(trip.Snapshot(), manager.Attempts())
	return nil
}
