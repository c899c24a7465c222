// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/pkg/extensions"
	"github.com/AleutianAI/warden/pkg/logging"
	"github.com/AleutianAI/warden/services/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server and scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "warden",
	})
	if err != nil {
		logger.Slog().Warn("file logging disabled", slog.String("error", err.Error()))
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := control.New(cfg, extensions.DefaultOptions(),
		control.WithLogger(logger.Slog()),
		control.WithVersion(version),
		control.WithLoader(loader),
	)
	if err != nil {
		return fmt.Errorf("start warden: %w", err)
	}
	return svc.Run(ctx)
}
