// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command warden runs and inspects the warden control plane.
//
// # Usage
//
//	warden serve --config /etc/warden/warden.yaml
//	warden status --addr http://localhost:12310
//	warden config default > warden.yaml
//	warden config show --config warden.yaml
//
// Every configuration key can also be set through a WARDEN_* environment
// variable. See the config package for the precedence rules.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/services/control/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	// loader is shared so that serve flags and config show resolve the
	// same way.
	loader = config.NewLoader(nil)

	rootCmd = &cobra.Command{
		Use:           "warden",
		Short:         "Resilience and duplicate-suppression control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")

	rootCmd.AddCommand(serveCmd, statusCmd, configCmd)
	configCmd.AddCommand(configDefaultCmd, configShowCmd)

	if err := loader.RegisterFlags(serveCmd.Flags()); err != nil {
		panic(err)
	}
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:12310", "base URL of a running warden")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON response")
	statusCmd.Flags().StringVar(&statusOutput, "output", "auto", "output style (auto, styled, plain)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
