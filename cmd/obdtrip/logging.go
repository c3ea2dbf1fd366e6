package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/obdtrip/pkg/config"
)

// configureLogger applies --log-level, or --verbose when no level is given,
// on top of cfg.LogLevel and builds the logger from cfg. Output goes to the
// command's stderr so it never mixes with the trip display.
func configureLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config) (*logrus.Logger, error) {
	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", levelStr)
		}
		cfg.LogLevel = level
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		cfg.LogLevel = logrus.DebugLevel
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
