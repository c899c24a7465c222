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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/pkg/ux"
	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/handlers"
)

var (
	statusAddr    string
	statusJSON    bool
	statusTimeout time.Duration
	statusOutput  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the safety status of a running warden",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: statusTimeout}
	url := strings.TrimSuffix(statusAddr, "/") + "/v1/safety/status"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		_, err = out.Write(append(bytes.TrimSpace(body), '\n'))
		return err
	}

	var status handlers.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	mode, err := ux.ParseMode(statusOutput)
	if err != nil {
		return err
	}
	printStatus(ux.NewPrinter(out, mode), status)
	return nil
}

func printStatus(p *ux.Printer, s handlers.StatusResponse) {
	if s.Status == "safe" {
		p.Success("Status: SAFE")
	} else {
		p.Error("Status: " + strings.ToUpper(s.Status))
	}

	p.Title(fmt.Sprintf("\nActive conditions (%d)", len(s.ActiveConditions)))
	for _, c := range s.ActiveConditions {
		p.Item(fmt.Sprintf("%-28s %s", c.Type, c.EntityID))
	}

	p.Title(fmt.Sprintf("\nActive quarantines (%d)", len(s.ActiveQuarantines)))
	for _, q := range s.ActiveQuarantines {
		p.Item(fmt.Sprintf("%s  %-9s %-20s %s", q.ID, q.Category, q.EntityID, q.Reason))
	}

	if len(s.Breakers) > 0 {
		p.Title("\nCircuit breakers")
		for _, b := range s.Breakers {
			line := fmt.Sprintf("%-20s %s", b.Name, b.State)
			switch b.State {
			case breaker.Closed:
				p.Success(line)
			case breaker.HalfOpen:
				p.Warning(line)
			default:
				p.Error(line)
			}
		}
	}

	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	p.Title("\nCounters")
	for _, name := range names {
		p.Item(fmt.Sprintf("%-24s %d", name, s.Counters[name]))
	}
}
