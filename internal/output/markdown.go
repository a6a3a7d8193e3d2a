package output

import (
	"fmt"
	"strings"

	"github.com/pulsegate/pulsegate/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatUsages renders aggregated usage as a markdown table.
func (f *MarkdownFormatter) FormatUsages(usages []core.RateLimitUsage) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Identifier | Operation | Count | First Seen | Last Seen |\n")
	sb.WriteString("|------------|-----------|-------|------------|-----------|\n")
	for _, u := range usages {
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s |\n",
			escapeMarkdownCell(u.Identifier),
			escapeMarkdownCell(u.Operation),
			u.Count,
			timestamp(u.FirstSeen),
			timestamp(u.LastSeen),
		))
	}
	return sb.String(), nil
}

// FormatSessions renders stored sessions as a markdown table.
func (f *MarkdownFormatter) FormatSessions(sessions []core.Session) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Session | User | Created | Last Activity | Status |\n")
	sb.WriteString("|---------|------|---------|---------------|--------|\n")
	for _, s := range sessions {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			escapeMarkdownCell(s.ID),
			escapeMarkdownCell(s.UserID),
			timestamp(s.CreatedAt),
			timestamp(s.LastActivityAt),
			sessionStatus(s),
		))
	}
	return sb.String(), nil
}

// FormatCheck renders a single check as a definition list.
func (f *MarkdownFormatter) FormatCheck(cfg core.RateLimitConfig, result core.RateLimitResult) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s / %s\n\n", escapeMarkdownCell(cfg.Identifier), escapeMarkdownCell(cfg.Operation)))
	sb.WriteString(fmt.Sprintf("- **Limit:** %d per %s\n", cfg.MaxRequests, cfg.Window()))
	sb.WriteString(fmt.Sprintf("- **Allowed:** %t\n", result.Allowed))
	sb.WriteString(fmt.Sprintf("- **Remaining:** %d\n", result.Remaining))
	sb.WriteString(fmt.Sprintf("- **Resets at:** %s\n", timestamp(result.ResetAt)))
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}
