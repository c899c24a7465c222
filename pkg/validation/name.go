// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that flow into lock keys, metric
// labels and log fields.
//
// Job and breaker names become Postgres advisory lock keys, prometheus label
// values and supervised entity IDs. Restricting them to a small alphabet
// keeps label cardinality readable and log lines unambiguous.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches lowercase names such as "postgres-ping" or "audit.gc".
// Max length: 64 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]{0,63}$`)

// ValidateName validates a job or breaker name.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Dots, underscores and hyphens after the first character
//
// Example:
//
//	if err := validation.ValidateName(job.Name); err != nil {
//	    return fmt.Errorf("register job: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name format: %q (must be 1-64 lowercase alphanumeric chars, dots, underscores or hyphens)", name)
	}
	return nil
}

// ValidateNames returns an error listing every invalid name.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %v", invalid)
	}
	return nil
}

// SanitizeName lowercases and trims name, then validates it.
func SanitizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
