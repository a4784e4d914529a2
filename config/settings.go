package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine tuning knobs. All are read from env at call time so tests can use t.Setenv.
//
// - INSERT_CHUNK_SIZE      rows per insert statement during batch load (default 1000)
// - MATCH_WORKERS          parallel matcher goroutines per batch run (default 8)
// - STORE_TIMEOUT_SECONDS  per store call budget (default 15)
// - JOB_TIMEOUT_SECONDS    whole batch run budget (default 900)
// - AUDIT_LIST_LIMIT       cap for the global audit listing (default 100)
// - OUTBOX_MAX_ATTEMPTS    publish attempts before a job goes DEAD (default 20)

func InsertChunkSize() int {
	return intFromEnv("INSERT_CHUNK_SIZE", 1000)
}

func MatchWorkers() int {
	n := intFromEnv("MATCH_WORKERS", 8)
	if n < 1 {
		return 1
	}
	return n
}

func StoreTimeout() time.Duration {
	return time.Duration(intFromEnv("STORE_TIMEOUT_SECONDS", 15)) * time.Second
}

func JobTimeout() time.Duration {
	return time.Duration(intFromEnv("JOB_TIMEOUT_SECONDS", 900)) * time.Second
}

func AuditListLimit() int {
	return intFromEnv("AUDIT_LIST_LIMIT", 100)
}

func OutboxMaxAttempts() int {
	return intFromEnv("OUTBOX_MAX_ATTEMPTS", 20)
}

func PullWorkerEnabled() bool {
	return boolFromEnv("PUBSUB_PULL_ENABLED")
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func retryDelay(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
