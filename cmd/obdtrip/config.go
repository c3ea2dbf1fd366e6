package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/obdtrip/pkg/config"
)

// loadConfig reads --config and applies the command's override flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	strs := map[string]*string{
		"transport":   &cfg.Transport,
		"serial-path": &cfg.SerialPath,
		"adapter":     &cfg.Adapter,
		"listen":      &cfg.Listen,
		"gate":        &cfg.Gate,
	}
	for name, dst := range strs {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Lookup("rfcomm-channel") != nil && flags.Changed("rfcomm-channel") {
		cfg.RFCOMMChannel, _ = flags.GetInt("rfcomm-channel")
	}
	if flags.Lookup("baud") != nil && flags.Changed("baud") {
		cfg.SerialBaud, _ = flags.GetInt("baud")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
