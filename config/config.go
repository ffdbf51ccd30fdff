package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"mdplane-v1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream provider (XTS-style market-data API)
	XTSAppKey    string
	XTSSecretKey string
	XTSBaseURL   string
	XTSWSURL     string
	XTSSource    string

	// Multicast endpoints per receiver segment, "ip:port"
	McastNSECM string
	McastNSEFO string
	McastBSECM string
	McastBSEFO string

	// Primary tick source at startup: "udp" or "ws"
	PrimarySource string

	// Bridge tuning
	GlobalCap       int
	RestRatePerSec  int
	BatchSize       int
	BatchIntervalMs int
	CooldownMs      int
	MaxRetries      int

	// Instruments subscribed at startup, "segment:token,segment:token,…"
	WatchTokens string
	// Index tokens kept alive across source migration, same format
	IndexTokens string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Price cache stale sweep age, seconds
	StaleSweepSec int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		XTSAppKey:    mustEnv("XTS_APP_KEY"),
		XTSSecretKey: mustEnv("XTS_SECRET_KEY"),
		XTSBaseURL:   getEnv("XTS_BASE_URL", "https://mtrade.arihantcapital.com"),
		XTSWSURL:     getEnv("XTS_WS_URL", "wss://mtrade.arihantcapital.com/marketdata/feed"),
		XTSSource:    getEnv("XTS_SOURCE", "WEBAPI"),

		McastNSECM: getEnv("MCAST_NSECM", "233.1.2.5:34330"),
		McastNSEFO: getEnv("MCAST_NSEFO", "233.1.2.6:34331"),
		McastBSECM: getEnv("MCAST_BSECM", "227.0.0.21:12996"),
		McastBSEFO: getEnv("MCAST_BSEFO", "227.0.0.21:12997"),

		PrimarySource: getEnv("PRIMARY_SOURCE", "udp"),

		GlobalCap:       getEnvInt("GLOBAL_CAP", 1000),
		RestRatePerSec:  getEnvInt("REST_RATE", 10),
		BatchSize:       getEnvInt("BATCH_SIZE", 50),
		BatchIntervalMs: getEnvInt("BATCH_INTERVAL_MS", 200),
		CooldownMs:      getEnvInt("COOLDOWN_MS", 5000),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),

		// Default: NIFTY and BANKNIFTY spot indices on NSE CM
		WatchTokens: getEnv("WATCH_TOKENS", "1:26000,1:26009"),
		IndexTokens: getEnv("INDEX_TOKENS", "1:26000,1:26009,11:1"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/contracts.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		StaleSweepSec: getEnvInt("STALE_SWEEP_SEC", 300),
	}
}

// InitialPrimary maps the PrimarySource string to the model enum.
func (c *Config) InitialPrimary() model.PrimarySource {
	if strings.EqualFold(c.PrimarySource, "ws") {
		return model.WSPrimary
	}
	return model.UDPPrimary
}

// ParseKeys parses a "segment:token,segment:token,…" list into composite
// keys, skipping malformed entries with a log line.
func ParseKeys(s string) []model.CompositeKey {
	parts := strings.Split(s, ",")
	keys := make([]model.CompositeKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		seg, token, ok := splitKey(p)
		if !ok {
			log.Printf("[config] skipping invalid instrument key: %q", p)
			continue
		}
		keys = append(keys, model.MakeKey(seg, token))
	}
	return keys
}

func splitKey(p string) (model.Segment, uint32, bool) {
	i := strings.IndexByte(p, ':')
	if i <= 0 || i == len(p)-1 {
		return 0, 0, false
	}
	seg := model.ParseSegment(p[:i])
	if seg == model.SegmentUnknown {
		return 0, 0, false
	}
	token, err := strconv.ParseUint(p[i+1:], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return seg, uint32(token), true
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not a number, using %d", key, v, fallback)
		return fallback
	}
	return n
}
