package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/pulsegate/pulsegate/internal/config"
)

const (
	driverLibsql       = "libsql"
	defaultBusyTimeout = 5 * time.Second
)

// ErrNotInitialized is returned when a method is called on a nil or closed store.
var ErrNotInitialized = errors.New("store is not initialized")

// Store holds rate limit records and session rows in libsql, either a local
// SQLite file or a remote libsql/Turso database.
type Store struct {
	DB     *sql.DB
	driver string
	target target
}

// target is a resolved libsql connection string.
type target struct {
	dsn    string
	local  bool
	memory bool
}

// Open connects to the store described by cfg. Local files get WAL mode, a
// busy timeout and a single connection, which serializes record reservations.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = driverLibsql
	}
	if driver != driverLibsql {
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if t.local {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}
	if t.local && !t.memory {
		if err := configureLocalSQLite(ctx, db, config.DurationOrDefault(cfg.BusyTimeout, defaultBusyTimeout)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{DB: db, driver: driver, target: t}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// Location describes where records live without exposing credentials.
func (s *Store) Location() string {
	switch {
	case s == nil:
		return ""
	case s.target.memory:
		return "in-memory"
	case s.target.local:
		return s.target.dsn
	}
	parsed, err := url.Parse(s.target.dsn)
	if err != nil {
		return "remote"
	}
	return parsed.Scheme + "://" + parsed.Host
}

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return ErrNotInitialized
	}
	return s.DB.PingContext(ctx)
}

func (s *Store) ready(ctx context.Context) (context.Context, error) {
	if s == nil || s.DB == nil {
		return nil, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, busyTimeout time.Duration) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable wal journal: %w", err)
	}
	var applied int
	pragma := fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())
	if err := db.QueryRowContext(ctx, pragma).Scan(&applied); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// resolveTarget prefers store.url (remote, with auth token) over store.path.
// Bare paths become file: DSNs and their directory is created.
func resolveTarget(cfg config.StoreConfig) (target, error) {
	if remote := strings.TrimSpace(cfg.URL); remote != "" {
		dsn, err := withAuthToken(remote, cfg.AuthToken)
		if err != nil {
			return target{}, err
		}
		return target{dsn: dsn, local: strings.HasPrefix(dsn, "file:")}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return target{}, errors.New("store path or url is required")
	case path == ":memory:":
		return target{dsn: path, local: true, memory: true}, nil
	case strings.HasPrefix(path, "libsql:"):
		return target{dsn: path}, nil
	case strings.HasPrefix(path, "file:"):
		parsed, err := url.Parse(path)
		if err != nil {
			return target{}, fmt.Errorf("invalid store path: %w", err)
		}
		local := parsed.Path
		if local == "" {
			local = parsed.Opaque
		}
		if err := ensureStoreDir(strings.TrimPrefix(local, "//")); err != nil {
			return target{}, err
		}
		return target{dsn: path, local: true}, nil
	default:
		if err := ensureStoreDir(path); err != nil {
			return target{}, err
		}
		return target{dsn: "file:" + filepath.Clean(path), local: true}, nil
	}
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if path == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
