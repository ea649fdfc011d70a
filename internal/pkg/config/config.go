package config

import (
	"strconv"
	"time"

	"github.com/beastdl/beastdl/internal/pkg/env"
)

// Settings carries all runtime tuning knobs. It is built once at startup and
// passed explicitly into component constructors; no package reads it through
// a global.
type Settings struct {
	// Worker pool
	WorkerCount   int
	MaxQueueDepth int64
	FetchTimeout  time.Duration

	// Retry policy
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	StuckJobAge  time.Duration
	SweepEvery   time.Duration

	// Metrics
	CounterFlushEvery time.Duration

	// Billing
	PaymentTimeout     time.Duration
	PaymentSweepEvery  time.Duration
	PlanPeriod         time.Duration
	CallbackSecret     string

	// Dispatcher
	AllowedSchemes []string
}

// Load reads settings from the environment with production defaults.
func Load() Settings {
	return Settings{
		WorkerCount:   getInt("WORKER_COUNT", 5),
		MaxQueueDepth: int64(getInt("MAX_QUEUE_DEPTH", 1000)),
		FetchTimeout:  getDuration("FETCH_TIMEOUT", 10*time.Minute),

		MaxAttempts: getInt("JOB_MAX_ATTEMPTS", 5),
		BackoffBase: getDuration("JOB_BACKOFF_BASE", 5*time.Second),
		BackoffCap:  getDuration("JOB_BACKOFF_CAP", 5*time.Minute),
		StuckJobAge: getDuration("JOB_STUCK_AGE", 30*time.Minute),
		SweepEvery:  getDuration("JOB_SWEEP_INTERVAL", time.Minute),

		CounterFlushEvery: getDuration("COUNTER_FLUSH_INTERVAL", 30*time.Second),

		PaymentTimeout:    getDuration("PAYMENT_TIMEOUT", 30*time.Minute),
		PaymentSweepEvery: getDuration("PAYMENT_SWEEP_INTERVAL", 5*time.Minute),
		PlanPeriod:        getDuration("PLAN_PERIOD", 30*24*time.Hour),
		CallbackSecret:    env.GetEnv("PAYMENT_CALLBACK_SECRET", ""),

		AllowedSchemes: []string{"http", "https"},
	}
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(env.GetEnv(key, "")); err == nil {
		return v
	}
	return def
}
