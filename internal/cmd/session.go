package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/core/store"
	"github.com/pulsegate/pulsegate/internal/output"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect persisted sessions",
}

var (
	sessionListUser    string
	sessionListRevoked bool
	sessionListLimit   int
	sessionListOutput  string
	sessionListSink    sinkFlags
)

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions by most recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(sessionListOutput)
		if err != nil {
			return err
		}
		if err := sessionListSink.validate(); err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		sessions, err := db.ListSessions(cmd.Context(), store.SessionQuery{
			UserID:         strings.TrimSpace(sessionListUser),
			IncludeRevoked: sessionListRevoked,
			Limit:          sessionListLimit,
		})
		if err != nil {
			return err
		}

		sink, err := sessionListSink.open("session.list", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return output.Write(sink.writer, func() (string, error) {
			return output.NewFormatter(format).FormatSessions(sessions)
		})
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionListUser, "user", "", "Only list sessions for this user id")
	sessionListCmd.Flags().BoolVar(&sessionListRevoked, "include-revoked", false, "Include sessions that were logged out")
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 50, "Maximum sessions to list (0 for no limit)")
	sessionListCmd.Flags().StringVar(&sessionListOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	sessionListSink.register(sessionListCmd)

	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}
