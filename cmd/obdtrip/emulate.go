package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/obdtrip/internal/elmsim"
	"github.com/srg/obdtrip/internal/ptyio"
	"github.com/srg/obdtrip/pkg/config"
)

// emulateCmd represents the emulate command
var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run an ELM327 emulator on a pseudo-terminal",
	Long: `Creates a pseudo-terminal that answers like an ELM327 adapter attached to a
moving vehicle. Point the serial transport, or any terminal program, at the
printed path.

Without --speed the emulated vehicle follows a repeating one-minute drive cycle.

Example:
  obdtrip emulate --symlink /tmp/elm327
  obdtrip trip --transport serial --serial-path /tmp/elm327`,
	Args: cobra.NoArgs,
	RunE: runEmulate,
}

var (
	emulateSpeed    int
	emulateSymlink  string
	emulateDuration time.Duration
)

func init() {
	emulateCmd.Flags().IntVar(&emulateSpeed, "speed", -1, "Constant speed in km/h (default: drive cycle)")
	emulateCmd.Flags().StringVar(&emulateSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/elm327)")
	emulateCmd.Flags().DurationVar(&emulateDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runEmulate(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose", &config.Config{LogLevel: logrus.WarnLevel})
	if err != nil {
		return err
	}
	if emulateSpeed > 255 {
		return fmt.Errorf("invalid speed: %d (must be 0-255)", emulateSpeed)
	}

	cmd.SilenceUsage = true

	opts := &elmsim.Options{Profile: elmsim.DriveCycle()}
	if emulateSpeed >= 0 {
		opts.Profile = elmsim.Constant(emulateSpeed)
	}
	em := elmsim.New(opts, logger)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if emulateDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, emulateDuration)
		defer cancel()
	}

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

	pty, err := em.ServePTY(ctx, &ptyio.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open PTY: %w", err)
	}
	defer pty.Close()

	path := pty.Path()
	if emulateSymlink != "" {
		if err := os.Remove(emulateSymlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to replace symlink: %w", err)
		}
		if err := os.Symlink(path, emulateSymlink); err != nil {
			return fmt.Errorf("failed to create symlink: %w", err)
		}
		defer os.Remove(emulateSymlink)
		path = emulateSymlink
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ELM327 emulator listening on %s\n", pty.Path())
	fmt.Fprintf(out, "Connect with: obdtrip trip --transport serial --serial-path %s\n", path)

	<-ctx.Done()

	stats := pty.Stats()
	fmt.Fprintf(out, "Emulator stopped: %d bytes received, %d bytes sent, %d commands handled\n",
		stats.BytesRead, stats.BytesWritten, em.CommandCount())
	return nil
}
