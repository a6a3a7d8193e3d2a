package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/pulsegate/pulsegate/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatUsages renders one row per identifier/operation pair.
func (f *TableFormatter) FormatUsages(usages []core.RateLimitUsage) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Identifier", "Operation", "Count", "First Seen", "Last Seen"})

	total := 0
	for _, u := range usages {
		total += u.Count
		t.AppendRow(table.Row{u.Identifier, u.Operation, u.Count, timestamp(u.FirstSeen), timestamp(u.LastSeen)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d pair(s)", len(usages)), total, "", ""})

	return t.Render(), nil
}

// FormatSessions renders stored sessions, newest activity first as given.
func (f *TableFormatter) FormatSessions(sessions []core.Session) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Session", "User", "Created", "Last Activity", "Status"})

	for _, s := range sessions {
		t.AppendRow(table.Row{s.ID, s.UserID, timestamp(s.CreatedAt), timestamp(s.LastActivityAt), sessionStatus(s)})
	}

	return t.Render(), nil
}

// FormatCheck renders a single check as a two-column table.
func (f *TableFormatter) FormatCheck(cfg core.RateLimitConfig, result core.RateLimitResult) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Identifier", cfg.Identifier},
		{"Operation", cfg.Operation},
		{"Limit", fmt.Sprintf("%d per %s", cfg.MaxRequests, cfg.Window())},
		{"Allowed", result.Allowed},
		{"Remaining", result.Remaining},
		{"Resets At", timestamp(result.ResetAt)},
	})
	return t.Render(), nil
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sessionStatus(s core.Session) string {
	if s.RevokedAt != nil {
		return "revoked " + timestamp(*s.RevokedAt)
	}
	return "active"
}
