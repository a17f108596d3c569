// README: Load and race runner; fires concurrent accepts and location bursts at a running server and checks invariants from outside.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

// Config targets a server started with EMS_AUTH_ENABLED=false so the runner can act as
// any caller through the debug headers.
type Config struct {
	BaseURL       string
	DSN           string
	RedisAddr     string
	MigrationPath string
	Strict        bool
	Timeout       time.Duration
	Concurrency   int
	Duration      time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("EMS_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("EMS_DB_DSN"), "Postgres DSN for direct invariant checks (optional)")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("EMS_REDIS_ADDR"), "Redis address (optional)")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("EMS_BENCH_MIGRATION", "migrations/0001_init.up.sql"), "Migration SQL used to list expected tables")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("EMS_BENCH_STRICT", false), "Fail when cases are skipped")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("EMS_BENCH_TIMEOUT", 2*time.Minute), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("EMS_BENCH_CONCURRENCY", 20), "Concurrent callers for race and load cases")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("EMS_BENCH_DURATION", 10*time.Second), "Duration for load cases")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
