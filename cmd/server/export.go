package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print today's metrics in the text export format",
	Long: `Print today's counters, route latency quantiles, latency buckets and
success-ratio gauges, as served by GET /admin/metrics/export.

Latency quantiles are only available when STORE_BACKEND=redis, since memory
windows belong to the serving process.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	text, err := a.exporter.ExportText(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), text)
	return err
}
