// Package output renders CLI results as tables, markdown or JSON.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/pulsegate/pulsegate/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders the records the CLI reports on.
type Formatter interface {
	FormatUsages(usages []core.RateLimitUsage) (string, error)
	FormatSessions(sessions []core.Session) (string, error)
	FormatCheck(cfg core.RateLimitConfig, result core.RateLimitResult) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Write renders with render and writes the result followed by a newline.
func Write(w io.Writer, render func() (string, error)) error {
	rendered, err := render()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, strings.TrimRight(rendered, "\n"))
	return err
}
