package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/core/engine"
	"github.com/pulsegate/pulsegate/internal/core/redisstore"
	"github.com/pulsegate/pulsegate/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on configuration, storage and integrations and suggest fixes for common issues.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := observability.CLILogger
		log.Info("=== " + config.AppName + " doctor ===")
		log.Info("")

		allChecks := true
		const totalChecks = 6
		step := func(n int, label string) string {
			return fmt.Sprintf("[%d/%d] Checking %s...", n, totalChecks, label)
		}

		// Check 1: runtime and embedded libraries
		version := crucible.GetVersion()
		log.Info(fmt.Sprintf("%s ✅ %s %s/%s (gofulmen %s)", step(1, "runtime"), runtime.Version(), runtime.GOOS, runtime.GOARCH, version.Gofulmen),
			zap.String("go_version", runtime.Version()),
			zap.String("crucible_version", version.Crucible))

		// Check 2: configuration
		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			log.Error(step(2, "configuration")+" ❌ invalid", zap.Error(cfgErr))
			log.Info("       Fix the config file or PULSEGATE_* variables, then rerun doctor.")
			return cfgErr
		}
		configPath := cfgFile
		if configPath == "" {
			configPath = config.DefaultConfigPath()
		}
		if _, err := os.Stat(configPath); err == nil {
			log.Info(fmt.Sprintf("%s ✅ %s", step(2, "configuration"), configPath))
		} else {
			log.Info(fmt.Sprintf("%s ✅ defaults and environment (no file at %s)", step(2, "configuration"), configPath))
		}

		// Check 3: database
		db, storeErr := openStore(ctx, cfg)
		switch {
		case storeErr != nil:
			log.Error(step(3, "database")+" ❌ cannot open store", zap.Error(storeErr))
			allChecks = false
		default:
			defer db.Close() // nolint:errcheck // best-effort cleanup
			target := db.Location()
			if err := db.CheckHealth(ctx); err != nil {
				log.Error(step(3, "database")+" ❌ unhealthy", zap.String("target", target), zap.Error(err))
				allChecks = false
			} else {
				log.Info(fmt.Sprintf("%s ✅ %s (%s)", step(3, "database"), target, db.Driver()))
			}
		}

		// Check 4: rate limit backend
		if strings.EqualFold(cfg.RateLimit.Backend, "redis") {
			rs, err := redisstore.Open(ctx, cfg.Redis, cfg.RateLimit.Retention)
			if err != nil {
				log.Error(step(4, "rate limit backend")+" ❌ redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
				allChecks = false
			} else {
				_ = rs.Close()
				log.Info(fmt.Sprintf("%s ✅ redis %s", step(4, "rate limit backend"), cfg.Redis.Addr))
			}
		} else {
			log.Info(fmt.Sprintf("%s ✅ libsql (atomic=%t)", step(4, "rate limit backend"), cfg.RateLimit.Atomic))
		}

		// Check 5: policies
		if _, err := newRateLimiter(cfg, nil); err != nil {
			log.Error(step(5, "rate limit policies")+" ❌ "+cfg.RateLimit.PoliciesFile, zap.Error(err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("%s ✅ %d built-in, margin %.2f", step(5, "rate limit policies"), len(engine.DefaultPolicies), cfg.RateLimit.Margin))
		}

		// Check 6: identity provider
		switch {
		case cfg.Identity.BaseURL == "":
			log.Warn(step(6, "identity provider") + " ⚠️  not configured; logout only revokes the local session record")
		case cfg.Identity.JWTSecret == "":
			log.Warn(step(6, "identity provider") + " ⚠️  no jwt_secret; callers are identified by API key or IP")
		default:
			log.Info(fmt.Sprintf("%s ✅ %s", step(6, "identity provider"), cfg.Identity.BaseURL))
		}

		log.Info("")
		if allChecks {
			log.Info("✅ All checks passed.")
			return nil
		}
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return fmt.Errorf("doctor found problems")
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
