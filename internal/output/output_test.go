package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleUsages() []core.RateLimitUsage {
	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []core.RateLimitUsage{
		{Identifier: "user:u1", Operation: "ai_call", Count: 3, FirstSeen: first, LastSeen: first.Add(30 * time.Second)},
		{Identifier: "ip:10.0.0.1", Operation: "contact|submit", Count: 1, FirstSeen: first, LastSeen: first},
	}
}

func TestFormatUsages(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatUsages(sampleUsages())
	require.NoError(t, err)
	require.Contains(t, rendered, "user:u1")
	require.Contains(t, rendered, "2025-03-01T12:00:30Z")
	require.Contains(t, rendered, "2 pair(s)")

	rendered, err = NewFormatter(FormatMarkdown).FormatUsages(sampleUsages())
	require.NoError(t, err)
	require.Contains(t, rendered, "| Identifier | Operation |")
	require.Contains(t, rendered, "contact\\|submit")

	rendered, err = NewFormatter(FormatJSON).FormatUsages(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", rendered)
}

func TestFormatSessions(t *testing.T) {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	revoked := created.Add(time.Hour)
	sessions := []core.Session{
		{ID: "s-1", UserID: "u1", CreatedAt: created, LastActivityAt: created.Add(time.Minute)},
		{ID: "s-2", UserID: "u2", CreatedAt: created, LastActivityAt: created, RevokedAt: &revoked},
	}

	rendered, err := NewFormatter(FormatTable).FormatSessions(sessions)
	require.NoError(t, err)
	require.Contains(t, rendered, "active")
	require.Contains(t, rendered, "revoked 2025-03-01T10:00:00Z")

	rendered, err = NewFormatter(FormatJSON).FormatSessions(sessions)
	require.NoError(t, err)
	require.Contains(t, rendered, "\"revoked_at\": \"2025-03-01T10:00:00Z\"")
	require.Equal(t, 1, strings.Count(rendered, "revoked_at"))
}

func TestFormatCheck(t *testing.T) {
	cfg := core.RateLimitConfig{Identifier: "u1", Operation: "ai_call", MaxRequests: 3, WindowMinutes: 1}
	result := core.RateLimitResult{Allowed: true, Remaining: 2, ResetAt: time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)}

	rendered, err := NewFormatter(FormatTable).FormatCheck(cfg, result)
	require.NoError(t, err)
	require.Contains(t, rendered, "3 per 1m0s")

	rendered, err = NewFormatter(FormatJSON).FormatCheck(cfg, result)
	require.NoError(t, err)
	require.Contains(t, rendered, "\"allowed\": true")
	require.Contains(t, rendered, "\"max_requests\": 3")
	require.Contains(t, rendered, "\"resetAt\": \"2025-03-01T12:01:00Z\"")

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, func() (string, error) {
		return NewFormatter(FormatMarkdown).FormatCheck(cfg, result)
	}))
	require.True(t, strings.HasSuffix(buf.String(), "2025-03-01T12:01:00Z\n"))
}
