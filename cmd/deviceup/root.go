// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cfg "github.com/deviceup/deviceup/pkg/config"
)

var (
	verbose    bool
	configPath string
	config     *cfg.Config

	rootCmd = &cobra.Command{
		Use:   "deviceup",
		Short: "Device-side agent that downloads, installs, and applies software updates",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())})

			var err error
			config, err = cfg.New(configPath)
			cobra.CheckErr(err)
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/deviceup/agent.toml", "Path to the agent .toml configuration file")
}
