// Command mrtaskman_worker runs one worker's poll/assign/execute/report loop
// (spec §4.2), grounded on
// _examples/original_source/workers/macos/worker.py's MacOsWorker startup.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/worker/go/cache"
	"go.skia.org/mrtaskman/worker/go/executor"
	"go.skia.org/mrtaskman/worker/go/worker"
)

var (
	schedulerURL    = flag.String("scheduler", "http://localhost:8001", "Base URL of the scheduler server.")
	registryURL     = flag.String("registry", "http://localhost:8002", "Base URL of the package registry server.")
	executorTag     = flag.String("executor", "linux", "This worker's general executor tag, e.g. 'linux', 'macos', 'windows'.")
	cacheRoot       = flag.String("cache_root", "mrtaskman_cache", "Root directory of this host's package cache.")
	cacheMaxBytes   = flag.Int64("cache_max_bytes", 10<<30, "Maximum total size of the package cache, in bytes.")
	cacheMinSeconds = flag.Int64("cache_min_duration_seconds", 300, "Minimum age, in seconds, before a cache entry is eligible for eviction.")
	cacheLowWater   = flag.Float64("cache_low_watermark", 0.6, "Eviction stops once total size drops below this fraction of cache_max_bytes.")
	cacheHighWater  = flag.Float64("cache_high_watermark", 0.9, "Recorded in the cache configuration and must exceed cache_low_watermark; eviction itself triggers once an insert would push total size above cache_max_bytes.")
	promPort        = flag.String("prom_port", ":20011", "Metrics service address (e.g. ':20011')")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		sklog.Infof("Serving metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, promhttp.Handler()); err != nil {
			sklog.Fatalf("Metrics server failed: %s", err)
		}
	}()

	c, err := cache.New(*cacheRoot, cache.Config{
		MaxSizeBytes:            *cacheMaxBytes,
		MinDurationSeconds:      *cacheMinSeconds,
		LowWatermarkPercentage:  *cacheLowWater,
		HighWatermarkPercentage: *cacheHighWater,
	})
	if err != nil {
		sklog.Fatalf("Failed to open package cache at %q: %s", *cacheRoot, err)
	}

	registry := executor.NewRegistry()
	registry.Register(*executorTag, executor.RunShell)

	client := worker.NewClient(*schedulerURL, *registryURL)
	w := worker.New(client, c, registry, *executorTag)

	sklog.Infof("Worker starting, executor tag %q, cache at %q", *executorTag, *cacheRoot)
	if err := w.Run(ctx); err != nil {
		sklog.Fatalf("Worker loop exited with error: %s", err)
	}
	sklog.Infof("Worker shut down cleanly.")
}
