package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime option for the proxy and admin servers.
// Values come from WICKET_* environment variables with flag overrides;
// the set is read once at startup and never mutated afterwards.
type Config struct {
	Listen      string
	AdminListen string

	CacheTTL          time.Duration
	SessionTimeout    time.Duration
	MaxCachedConns    int
	CacheFile         string
	CacheSaveInterval time.Duration

	UsersFile      string
	KeyFile        string
	DBPath         string
	LogFile        string
	LogLevel       string
	ReloadInterval time.Duration

	BandwidthLimitMbps int
	ConnectTimeout     time.Duration
	AccessWindow       Window

	// PprofAddr enables the debug pprof endpoint when non-empty.
	PprofAddr string
}

const defaultListen = ":8080"
const defaultAdminListen = ":8081"
const defaultCacheTTL = 180 * time.Second
const defaultSessionTimeout = 180 * time.Second
const defaultMaxCachedConns = 100
const defaultCacheFile = "./wicket_cache.json"
const defaultCacheSaveInterval = 60 * time.Second
const defaultUsersFile = "./wicket_users.csv"
const defaultKeyFile = "./.wicket_key"
const defaultDBPath = "./wicket.db"
const defaultLogFile = "./wicket_server.log"
const defaultReloadInterval = 3 * time.Second
const defaultBandwidthLimitMbps = 30
const defaultConnectTimeout = 5 * time.Second
const defaultAccessStart = "09:00"
const defaultAccessEnd = "15:15"

// Parse builds the configuration from the environment and flag arguments.
func Parse(args []string) (Config, error) {
	cfg := Config{
		Listen:             envOrDefault("WICKET_LISTEN", defaultListen),
		AdminListen:        envOrDefault("WICKET_ADMIN_LISTEN", defaultAdminListen),
		CacheTTL:           envSecondsOrDefault("WICKET_CACHE_TTL", defaultCacheTTL),
		SessionTimeout:     envSecondsOrDefault("WICKET_SESSION_TIMEOUT", defaultSessionTimeout),
		MaxCachedConns:     envIntOrDefault("WICKET_MAX_CACHED_CONNECTIONS", defaultMaxCachedConns),
		CacheFile:          envOrDefault("WICKET_CACHE_FILE", defaultCacheFile),
		CacheSaveInterval:  envSecondsOrDefault("WICKET_CACHE_SAVE_INTERVAL", defaultCacheSaveInterval),
		UsersFile:          envOrDefault("WICKET_USERS_FILE", defaultUsersFile),
		KeyFile:            envOrDefault("WICKET_KEY_FILE", defaultKeyFile),
		DBPath:             envOrDefault("WICKET_DB_PATH", defaultDBPath),
		LogFile:            envOrDefault("WICKET_LOG_FILE", defaultLogFile),
		LogLevel:           envOrDefault("WICKET_LOG_LEVEL", "info"),
		ReloadInterval:     envSecondsOrDefault("WICKET_RELOAD_INTERVAL", defaultReloadInterval),
		BandwidthLimitMbps: envIntOrDefault("WICKET_BANDWIDTH_LIMIT_MBPS", defaultBandwidthLimitMbps),
		ConnectTimeout:     envSecondsOrDefault("WICKET_CONNECT_TIMEOUT", defaultConnectTimeout),
		PprofAddr:          envOrDefault("WICKET_PPROF_ADDR", ""),
	}
	accessStart := envOrDefault("WICKET_ACCESS_START", defaultAccessStart)
	accessEnd := envOrDefault("WICKET_ACCESS_END", defaultAccessEnd)

	fs := flag.NewFlagSet("wicket", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Proxy listen address")
	fs.StringVar(&cfg.AdminListen, "admin-listen", cfg.AdminListen, "Admin listen address")
	fs.StringVar(&cfg.CacheFile, "cache-file", cfg.CacheFile, "Cache snapshot file path")
	fs.StringVar(&cfg.UsersFile, "users-file", cfg.UsersFile, "Encrypted users CSV path")
	fs.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "Encryption key file path")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite event database path")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Server log file path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.MaxCachedConns, "max-cached-connections", cfg.MaxCachedConns, "Connection pool capacity")
	fs.IntVar(&cfg.BandwidthLimitMbps, "bandwidth-mbps", cfg.BandwidthLimitMbps, "Global advisory bandwidth cap in Mbps")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address (empty = disabled)")
	fs.StringVar(&accessStart, "access-start", accessStart, "Daily access window start (HH:MM)")
	fs.StringVar(&accessEnd, "access-end", accessEnd, "Daily access window end (HH:MM)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	window, err := ParseWindow(accessStart, accessEnd)
	if err != nil {
		return cfg, err
	}
	cfg.AccessWindow = window

	if cfg.CacheTTL <= 0 {
		return cfg, errors.New("cache ttl must be > 0")
	}
	if cfg.SessionTimeout <= 0 {
		return cfg, errors.New("session timeout must be > 0")
	}
	if cfg.MaxCachedConns <= 0 {
		return cfg, errors.New("max cached connections must be > 0")
	}
	if cfg.CacheSaveInterval <= 0 {
		return cfg, errors.New("cache save interval must be > 0")
	}
	if cfg.ReloadInterval <= 0 {
		return cfg, errors.New("reload interval must be > 0")
	}
	if cfg.BandwidthLimitMbps <= 0 {
		return cfg, errors.New("bandwidth limit must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return cfg, errors.New("connect timeout must be > 0")
	}

	return cfg, nil
}

// BandwidthBytesPerSecond converts the configured Mbps cap to bytes/second.
func (c Config) BandwidthBytesPerSecond() int64 {
	return int64(c.BandwidthLimitMbps) * 1_000_000 / 8
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSecondsOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Window is a daily wall-clock access window, half-open [start, end) at
// minute granularity.
type Window struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// ParseWindow parses "HH:MM" start and end bounds.
func ParseWindow(start, end string) (Window, error) {
	sh, sm, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("access window start: %w", err)
	}
	eh, em, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("access window end: %w", err)
	}
	w := Window{StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}
	if !w.less(sh, sm, eh, em) {
		return Window{}, errors.New("access window start must be before end")
	}
	return w, nil
}

// Allows reports whether t falls inside the window.
func (w Window) Allows(t time.Time) bool {
	h, m := t.Hour(), t.Minute()
	afterStart := w.less(w.StartHour, w.StartMinute, h, m) || (h == w.StartHour && m == w.StartMinute)
	beforeEnd := w.less(h, m, w.EndHour, w.EndMinute)
	return afterStart && beforeEnd
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.StartHour, w.StartMinute, w.EndHour, w.EndMinute)
}

func (w Window) less(h1, m1, h2, m2 int) bool {
	return h1*60+m1 < h2*60+m2
}

func parseClock(v string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", v)
	}
	return h, m, nil
}
