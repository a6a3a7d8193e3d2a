package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/output"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Check budgets and manage persisted rate limit records",
}

var (
	rateLimitCheckIdentifier string
	rateLimitCheckOperation  string
	rateLimitCheckMax        int
	rateLimitCheckWindow     float64
	rateLimitCheckOutput     string
)

var rateLimitCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one rate limit check and record it when admitted",
	Long: `Run one rate limit check against the configured backend.

Without --max and --window the operation's configured policy applies.
An admitted check counts against the identifier's budget like any other request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitCheckOutput)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		records, owned, err := openRecordBackend(ctx, cfg, db)
		if err != nil {
			return err
		}
		if owned {
			defer records.Close() // nolint:errcheck // best-effort cleanup
		}

		limiter, err := newRateLimiter(cfg, records)
		if err != nil {
			return err
		}

		operation := strings.TrimSpace(rateLimitCheckOperation)
		check := limiter.Policy(operation).Config(strings.TrimSpace(rateLimitCheckIdentifier), operation)
		if rateLimitCheckMax != 0 || rateLimitCheckWindow != 0 {
			check = core.RateLimitConfig{
				Identifier:    check.Identifier,
				Operation:     operation,
				MaxRequests:   rateLimitCheckMax,
				WindowMinutes: rateLimitCheckWindow,
			}
		}

		result, err := limiter.Check(ctx, check)
		if err != nil {
			return err
		}

		if err := output.Write(cmd.OutOrStdout(), func() (string, error) {
			return output.NewFormatter(format).FormatCheck(check, result)
		}); err != nil {
			return err
		}
		if !result.Allowed {
			return errRateLimited
		}
		return nil
	},
}

var errRateLimited = errors.New("rate limit exceeded")

func init() {
	rateLimitCheckCmd.Flags().StringVar(&rateLimitCheckIdentifier, "identifier", "", "Caller identifier (e.g. user:42)")
	rateLimitCheckCmd.Flags().StringVar(&rateLimitCheckOperation, "operation", "", "Operation name")
	rateLimitCheckCmd.Flags().IntVar(&rateLimitCheckMax, "max", 0, "Maximum requests per window (overrides the policy)")
	rateLimitCheckCmd.Flags().Float64Var(&rateLimitCheckWindow, "window", 0, "Window length in minutes (overrides the policy)")
	rateLimitCheckCmd.Flags().StringVar(&rateLimitCheckOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	_ = rateLimitCheckCmd.MarkFlagRequired("identifier")
	_ = rateLimitCheckCmd.MarkFlagRequired("operation")

	rateLimitCmd.AddCommand(rateLimitCheckCmd)
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rateLimitCmd.AddCommand(rateLimitPruneCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

func requireLibsqlBackend(backend string) error {
	if strings.EqualFold(strings.TrimSpace(backend), "redis") {
		return fmt.Errorf("this command inspects libsql records; rate_limit.backend=redis keys expire on their own")
	}
	return nil
}
