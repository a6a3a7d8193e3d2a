package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/core/store"
	"github.com/pulsegate/pulsegate/internal/output"
)

var (
	rateLimitResetAll        bool
	rateLimitResetIdentifier string
	rateLimitResetOperation  string
	rateLimitResetPrefix     string
	rateLimitResetYes        bool
	rateLimitResetDryRun     bool
	rateLimitResetOutput     string
	rateLimitResetSink       sinkFlags
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored rate limit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitResetOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		query := store.RateLimitQuery{
			All:        rateLimitResetAll,
			Identifier: strings.TrimSpace(rateLimitResetIdentifier),
			Operation:  strings.TrimSpace(rateLimitResetOperation),
			Prefix:     strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}

		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}
		if err := rateLimitResetSink.validate(); err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if err := requireLibsqlBackend(cfg.RateLimit.Backend); err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}

		sink, err := rateLimitResetSink.open("rate-limit.reset", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if rateLimitResetDryRun {
			return writeRateLimitResetResult(format, sink.writer, matched, 0, true)
		}

		deleted, err := db.ResetRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}

		return writeRateLimitResetResult(format, sink.writer, matched, deleted, false)
	},
}

func writeRateLimitResetResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	title := "Rate Limit Reset"
	fields := []summaryField{
		{key: "matched", label: "matched", value: matched, display: fmt.Sprintf("%d record(s)", matched)},
		{key: "deleted", label: "deleted", value: deleted, display: fmt.Sprintf("%d record(s)", deleted)},
		{key: "dry_run", value: dryRun},
	}
	if dryRun {
		title += " (dry run)"
		fields[1].label = ""
	}
	return writeSummary(w, format, title, fields)
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset every identifier and operation")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetIdentifier, "identifier", "", "Reset a single identifier (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetOperation, "operation", "", "Reset a single operation (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset identifiers with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	rateLimitResetSink.register(rateLimitResetCmd)
}
