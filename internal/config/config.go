// Package config loads process configuration from environment variables
// with sensible defaults (spec.md §6 "Process config"), following the
// donor repo's env-var-with-defaults style rather than pulling in a config
// file parser nothing else in scope would need.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server needs at startup.
type Config struct {
	ListenAddr    string
	EdgeTriggered bool
	Workers       int
	QueueCapacity int

	RelStorePoolSize int
	RelStorePath     string

	KVStorePoolSize int
	KVAddrs         []string
	KVPassword      string
	KVDB            int

	MaxRoomCapacity int

	NullCacheTTL    time.Duration
	NormalCacheTTL  time.Duration
	HistoryTTLFloor time.Duration
	HistoryTTLJitter time.Duration
	LogicalTTL      time.Duration

	DirectoryCacheCapacity int
	DirectoryCacheTTL      time.Duration

	SmsCodeTTL     time.Duration
	SmsResendCooldown time.Duration

	IDEpoch   time.Time
	WorkerID  int64

	EnableMetrics bool
}

// FromEnv loads a Config, applying defaults for anything unset.
func FromEnv() Config {
	epoch, err := time.ParseInLocation("2006-01-02 15:04", envString("ID_EPOCH", "2023-01-01 00:00"), time.Local)
	if err != nil {
		epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.Local)
	}
	return Config{
		ListenAddr:    envString("LISTEN_ADDR", ":9000"),
		EdgeTriggered: envBool("EDGE_TRIGGERED", true),
		Workers:       envInt("WORKERS", 4),
		QueueCapacity: envInt("QUEUE_CAPACITY", 4096),

		RelStorePoolSize: envInt("RELSTORE_POOL_SIZE", 8),
		RelStorePath:     envString("RELSTORE_PATH", "./data/chat.db"),

		KVStorePoolSize: envInt("KVSTORE_POOL_SIZE", 8),
		KVAddrs:         envStringList("KV_ADDRS", "127.0.0.1:6379"),
		KVPassword:      envString("KV_PASSWORD", ""),
		KVDB:            envInt("KV_DB", 0),

		MaxRoomCapacity: envInt("MAX_ROOM_CAPACITY", 100),

		NullCacheTTL:     envDuration("NULL_CACHE_TTL", 5*time.Minute),
		NormalCacheTTL:   envDuration("NORMAL_CACHE_TTL", time.Hour),
		HistoryTTLFloor:  envDuration("HISTORY_TTL_FLOOR", 60*time.Second),
		HistoryTTLJitter: envDuration("HISTORY_TTL_JITTER", 30*time.Second),
		LogicalTTL:       envDuration("LOGICAL_TTL", 30*time.Second),

		DirectoryCacheCapacity: envInt("DIRECTORY_CACHE_CAPACITY", 1024),
		DirectoryCacheTTL:      envDuration("DIRECTORY_CACHE_TTL", 30*time.Second),

		SmsCodeTTL:        envDuration("SMS_CODE_TTL", 60*time.Second),
		SmsResendCooldown: envDuration("SMS_RESEND_COOLDOWN", 30*time.Second),

		IDEpoch:  epoch,
		WorkerID: int64(envInt("WORKER_ID", 1)),

		EnableMetrics: envBool("ENABLE_METRICS", false),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envStringList(key, def string) []string {
	v := envString(key, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
