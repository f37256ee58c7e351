package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// envPrefix namespaces every override, the way cmd/can-server's config.go
// namespaces its own under CAN_SERVER_.
const envPrefix = "LULL_"

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyStringEnv, applyIntEnv, applyDurationEnv and applyBoolEnv implement
// the exact precedence rule in cmd/can-server/config.go's
// applyEnvOverrides: an explicitly-set flag always wins, otherwise a
// present non-empty environment variable overrides the flag's default.
// cobra tracks "explicitly set" itself via Flags().Changed, replacing the
// teacher's hand-rolled flag.Visit bookkeeping.
func applyStringEnv(cmd *cobra.Command, flagName string, dst *string) {
	if cmd.Flags().Changed(flagName) {
		return
	}
	if v, ok := os.LookupEnv(envKey(flagName)); ok && v != "" {
		*dst = v
	}
}

func applyIntEnv(cmd *cobra.Command, flagName string, dst *int) error {
	if cmd.Flags().Changed(flagName) {
		return nil
	}
	v, ok := os.LookupEnv(envKey(flagName))
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envKey(flagName), err)
	}
	*dst = n
	return nil
}

func applyDurationEnv(cmd *cobra.Command, flagName string, dst *time.Duration) error {
	if cmd.Flags().Changed(flagName) {
		return nil
	}
	v, ok := os.LookupEnv(envKey(flagName))
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envKey(flagName), err)
	}
	*dst = d
	return nil
}

func applyBoolEnv(cmd *cobra.Command, flagName string, dst *bool) error {
	if cmd.Flags().Changed(flagName) {
		return nil
	}
	v, ok := os.LookupEnv(envKey(flagName))
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envKey(flagName), err)
	}
	*dst = b
	return nil
}
