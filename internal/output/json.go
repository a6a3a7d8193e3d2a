package output

import (
	"encoding/json"

	"github.com/pulsegate/pulsegate/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatUsages renders aggregated rate limit usage.
func (f *JSONFormatter) FormatUsages(usages []core.RateLimitUsage) (string, error) {
	if usages == nil {
		usages = []core.RateLimitUsage{}
	}
	return f.marshal(usages)
}

// FormatSessions renders stored sessions.
func (f *JSONFormatter) FormatSessions(sessions []core.Session) (string, error) {
	if sessions == nil {
		sessions = []core.Session{}
	}
	return f.marshal(sessions)
}

// FormatCheck renders a single check with the parameters it ran under.
func (f *JSONFormatter) FormatCheck(cfg core.RateLimitConfig, result core.RateLimitResult) (string, error) {
	return f.marshal(struct {
		core.RateLimitConfig
		core.RateLimitResult
	}{cfg, result})
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
