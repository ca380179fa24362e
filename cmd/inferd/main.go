package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/api"
	"github.com/vibrationalforce/echoel-inference/internal/engine"
	"github.com/vibrationalforce/echoel-inference/internal/httpx"
	"github.com/vibrationalforce/echoel-inference/internal/orchestrator"
	"github.com/vibrationalforce/echoel-inference/internal/policy"
	"github.com/vibrationalforce/echoel-inference/internal/profile"
	"github.com/vibrationalforce/echoel-inference/internal/scheduler"
	"github.com/vibrationalforce/echoel-inference/internal/speculative"
	"github.com/vibrationalforce/echoel-inference/internal/telemetry"
	"github.com/vibrationalforce/echoel-inference/internal/tempcache"
	"github.com/vibrationalforce/echoel-inference/internal/workload"
)

func main() {
	// Policies and dead letters share one SQLite file.
	dbPath := os.Getenv("POLICIES_DB_PATH")
	if dbPath == "" {
		dbPath = "policies.db"
	}
	policyStore, err := policy.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open policy store: %v", err)
	}
	defer policyStore.Close()

	activityLog := activity.New(300)

	// Tier selection: registry + prompt analysis + host telemetry.
	registry := profile.Default()
	analyzer := workload.NewAnalyzer()

	var resources telemetry.ResourceFunc
	if units := envOrFloat("RESOURCE_UNITS", 0); units > 0 {
		resources = telemetry.Static(units)
	} else {
		resources = telemetry.HostMemory(envOrFloat("RESERVE_UNITS", telemetry.DefaultReserveUnits))
	}
	orch := orchestrator.New(registry, analyzer, resources)
	orch.Activity = activityLog

	// Per-item execution: cache-gated denoising plus speculative decode.
	runner := &engine.Runner{
		CacheConfig: tempcache.Config{
			BaseThreshold:   envOrFloat("CACHE_BASE_THRESHOLD", 0.1),
			MaxCachedFrames: envOrInt("CACHE_MAX_FRAMES", 64),
		},
		Decoder: speculative.New(speculative.Config{
			DraftSteps:  envOrInt("DRAFT_STEPS", 4),
			Parallelism: int64(envOrInt("DECODE_PARALLELISM", 2)),
		}, engine.SimDraft{}, engine.SimTarget{AcceptFloor: 0.3}),
		Denoise:      (&engine.SimDenoiser{}).Denoise,
		Orchestrator: orch,
		Steps:        envOrInt("DENOISE_STEPS", 40),
		StateSize:    envOrInt("LATENT_SIZE", 256),
	}

	sched := scheduler.New(scheduler.Config{
		MaxBatchSize:    envOrInt("MAX_BATCH_SIZE", 4),
		MaxResourceCost: envOrFloat("MAX_BATCH_COST", 20),
		DrainTimeout:    time.Duration(envOrInt("DRAIN_TIMEOUT_SECONDS", 5)) * time.Second,
		MaxRetries:      envOrInt("MAX_RETRIES", 2),
	}, runner.Exec)
	sched.DeadLetters = policyStore
	sched.Activity = activityLog

	ctx := context.Background()
	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
	}()

	// Idle-tier automation.
	reaper := &orchestrator.Reaper{
		Orchestrator: orch,
		Policies:     policyStore,
		Activity:     activityLog,
		IdleAfter:    time.Duration(envOrInt("TIER_IDLE_SECONDS", 300)) * time.Second,
		Interval:     time.Duration(envOrInt("REAPER_INTERVAL_SECONDS", 30)) * time.Second,
	}
	go reaper.Run(ctx)

	mux := http.NewServeMux()
	h := &api.Handler{
		Scheduler:    sched,
		Orchestrator: orch,
		Policies:     policyStore,
		Activity:     activityLog,
	}
	h.Register(mux)

	handler := httpx.CORS{AllowOrigin: "*"}.Wrap(mux)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("HTTP listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("http serve: %v", err)
	}
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
