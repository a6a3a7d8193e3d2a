package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by one-shot commands.
	CLILogger *logging.Logger

	// ServerLogger is used by serve and everything it wires (limiter, sessions, HTTP).
	ServerLogger *logging.Logger
)

// ServerLoggerOptions configure the server logger from the logging config section.
type ServerLoggerOptions struct {
	Service string
	Level   string
	// Profile is SIMPLE (console text) or STRUCTURED (JSON). Empty means STRUCTURED.
	Profile   string
	Namespace string
}

// InitCLILogger installs the CLI logger. Verbose lowers the level to DEBUG.
func InitCLILogger(serviceName string, verbose bool) error {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		return fmt.Errorf("initialize CLI logger: %w", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
	return nil
}

// InitServerLogger installs the server logger writing to stderr.
func InitServerLogger(opts ServerLoggerOptions) error {
	logger, err := logging.New(serverLoggerConfig(opts))
	if err != nil {
		return fmt.Errorf("initialize server logger: %w", err)
	}
	ServerLogger = logger
	return nil
}

func serverLoggerConfig(opts ServerLoggerOptions) *logging.LoggerConfig {
	profile, format := logging.ProfileStructured, "json"
	if strings.EqualFold(strings.TrimSpace(opts.Profile), "simple") {
		profile, format = logging.ProfileSimple, "console"
	}

	staticFields := make(map[string]any)
	if opts.Namespace != "" {
		staticFields["namespace"] = opts.Namespace
	}

	cfg := &logging.LoggerConfig{
		Profile:      profile,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  environment(),
		StaticFields: staticFields,
		Sinks: []logging.SinkConfig{{
			Type:    "console",
			Format:  format,
			Console: &logging.ConsoleSinkConfig{Stream: "stderr", Colorize: false},
		}},
	}
	if profile == logging.ProfileStructured {
		cfg.Middleware = []logging.MiddlewareConfig{{
			Name:    "correlation",
			Enabled: true,
			Order:   100,
			Config:  make(map[string]any),
		}}
		cfg.EnableCaller = true
		cfg.EnableStacktrace = true
	}
	return cfg
}

// Logger returns the server logger when the service is running, otherwise the CLI logger.
// It is nil before either is initialized.
func Logger() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// environment reads PULSEGATE_ENV for the structured logger's environment field.
func environment() string {
	if env := strings.TrimSpace(os.Getenv("PULSEGATE_ENV")); env != "" {
		return env
	}
	return "production"
}
