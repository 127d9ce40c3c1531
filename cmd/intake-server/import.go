package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/tabular"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Process a local CSV or XLSX file and print one outcome per record",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			return runImport(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("file", "", "Path to a .csv or .xlsx file")
	return cmd
}

func runImport(ctx context.Context, path string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the outcomes
	logger := newLogger(cfg, os.Stderr)

	rows, err := readRows(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BatchTimeout)
		defer cancel()
	}

	svc, pool, err := newService(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	report, err := svc.Import(ctx, filepath.Base(path), rows)
	if err != nil {
		logger.Error().Err(err).Str("batch_id", report.ID.String()).Msg("failed to store batch report")
	}

	if err := writeOutcomes(out, report.Records); err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}
	if report.HasFailures() {
		return fmt.Errorf("batch %s: %d of %d records failed, %d partial",
			report.ID, report.Summary.Failed, report.Summary.Total, report.Summary.Partial)
	}
	return nil
}

func readRows(path string) ([]tabular.Row, error) {
	format, err := tabular.DetectFormat("", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows, err := tabular.Decode(format, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rows, nil
}

// writeOutcomes writes one JSON object per line.
func writeOutcomes(w io.Writer, outcomes []intake.RecordOutcome) error {
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return nil
}
