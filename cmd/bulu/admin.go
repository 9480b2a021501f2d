package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mir00r/bulu/internal/routing"
	"github.com/mir00r/bulu/internal/service"
	"github.com/mir00r/bulu/pkg/logger"
	"github.com/spf13/cobra"
)

// One-off management commands

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidation,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured node once",
	Args:  cobra.NoArgs,
	RunE:  runHealthCheck,
}

func init() {
	rootCmd.AddCommand(validateCmd, checkCmd)
}

// runConfigValidation validates the current configuration
func runConfigValidation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration %s is valid\n", configPath())
	fmt.Fprintf(out, "Host: %s (%s)\n", cfg.Host, cfg.Proto)
	fmt.Fprintf(out, "Auth: %t\n", cfg.AuthEnabled())
	if cfg.RateLimit.Enabled() {
		fmt.Fprintf(out, "Rate limit: %d per %s\n", cfg.RateLimit.RateLimit, cfg.RateLimit.RateTime)
	} else {
		fmt.Fprintln(out, "Rate limit: disabled")
	}
	fmt.Fprintf(out, "Timeout: %s, max retries: %d\n", cfg.Timeout, cfg.MaxRetries)

	if cfg.FlatMode() {
		fmt.Fprintf(out, "Mode: flat, %d node(s)\n", len(cfg.Nodes))
		for _, n := range cfg.Nodes {
			fmt.Fprintf(out, "  %s %s weight=%d\n", n.Name, n.URL, n.Weights)
		}
		return nil
	}

	fmt.Fprintf(out, "Mode: domains, %d domain(s)\n", len(cfg.Domains))
	for _, d := range cfg.Domains {
		fmt.Fprintf(out, "  %s\n", d.Domain)
		for _, n := range d.Nodes {
			fmt.Fprintf(out, "    %s %s weight=%d\n", n.Name, n.URL, n.Weights)
		}
	}
	return nil
}

// runHealthCheck runs a one-off probe of all nodes
func runHealthCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	router, err := routing.FromConfig(cfg)
	if err != nil {
		return err
	}

	hc := healthCheckConfig(cfg)
	if hc.Timeout <= 0 {
		hc.Timeout = 2 * time.Second
	}
	checker := service.NewHealthChecker(hc, router.Pools, nil, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	unhealthy := 0
	for _, res := range checker.ProbeAll(ctx) {
		status := "healthy"
		if res.Err != nil {
			status = fmt.Sprintf("unhealthy: %v", res.Err)
			unhealthy++
		}
		fmt.Fprintf(out, "%s (%s): %s [%s]\n", res.Node.ID(), res.Node.URL, status, res.Duration.Round(time.Millisecond))
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d node(s) unreachable", unhealthy)
	}
	return nil
}
