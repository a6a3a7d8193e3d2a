package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/output"
)

var (
	rateLimitPruneOlderThan time.Duration
	rateLimitPruneOutput    string
	rateLimitPruneDryRun    bool
)

var rateLimitPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rate limit records older than the retention period",
	Long: `Delete rate limit records older than the retention period.

Defaults to rate_limit.retention. Records older than the longest policy
window no longer affect any check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitPruneOutput)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if err := requireLibsqlBackend(cfg.RateLimit.Backend); err != nil {
			return err
		}

		age := rateLimitPruneOlderThan
		if age <= 0 {
			age = cfg.RateLimit.Retention
		}
		if age <= 0 {
			return fmt.Errorf("--older-than or rate_limit.retention must be positive")
		}

		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		before := time.Now().Add(-age)
		var deleted int64
		if rateLimitPruneDryRun {
			deleted, err = db.CountRateLimitRecordsBefore(cmd.Context(), before)
		} else {
			deleted, err = db.PruneRateLimitRecords(cmd.Context(), before)
		}
		if err != nil {
			return err
		}

		title, label := "Rate Limit Prune", "deleted"
		if rateLimitPruneDryRun {
			title, label = "Rate Limit Prune (dry run)", "would delete"
		}
		return writeSummary(cmd.OutOrStdout(), format, title, []summaryField{
			{key: "before", label: "cutoff", value: before.UTC().Format(time.RFC3339)},
			{key: "deleted", label: label, value: deleted, display: fmt.Sprintf("%d record(s)", deleted)},
			{key: "dry_run", value: rateLimitPruneDryRun},
		})
	},
}

func init() {
	rateLimitPruneCmd.Flags().DurationVar(&rateLimitPruneOlderThan, "older-than", 0, "Delete records older than this age (default rate_limit.retention)")
	rateLimitPruneCmd.Flags().BoolVar(&rateLimitPruneDryRun, "dry-run", false, "Report how many records would be deleted")
	rateLimitPruneCmd.Flags().StringVar(&rateLimitPruneOutput, "output-format", string(output.FormatTable), "Output format: table|json")
}
