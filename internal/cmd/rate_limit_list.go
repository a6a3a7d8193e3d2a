package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/core/store"
	"github.com/pulsegate/pulsegate/internal/output"
)

var (
	rateLimitListOutput     string
	rateLimitListSink       sinkFlags
	rateLimitListAll        bool
	rateLimitListIdentifier string
	rateLimitListOperation  string
	rateLimitListPrefix     string
	rateLimitListSince      time.Duration
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rate limit usage per identifier and operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitListOutput)
		if err != nil {
			return err
		}
		if err := rateLimitListSink.validate(); err != nil {
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

		query := store.RateLimitQuery{
			All:        rateLimitListAll,
			Identifier: strings.TrimSpace(rateLimitListIdentifier),
			Operation:  strings.TrimSpace(rateLimitListOperation),
			Prefix:     strings.TrimSpace(rateLimitListPrefix),
		}
		if query.Validate() != nil {
			query.All = true
		}
		if rateLimitListSince > 0 {
			query.Since = time.Now().Add(-rateLimitListSince)
		}

		usages, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}

		sink, err := rateLimitListSink.open("rate-limit.list", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return output.Write(sink.writer, func() (string, error) {
			return output.NewFormatter(format).FormatUsages(usages)
		})
	},
}

func init() {
	rateLimitListCmd.Flags().StringVar(&rateLimitListOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	rateLimitListSink.register(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List every identifier and operation")
	rateLimitListCmd.Flags().StringVar(&rateLimitListIdentifier, "identifier", "", "List a single identifier (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListOperation, "operation", "", "List a single operation (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List identifiers with matching prefix (e.g. ip:)")
	rateLimitListCmd.Flags().DurationVar(&rateLimitListSince, "since", 0, "Only count records newer than this age (e.g. 1h)")
}
