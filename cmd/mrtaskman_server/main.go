// Command mrtaskman_server runs the scheduler and package registry HTTP
// APIs (spec §6) behind a single chi router, grounded on
// machine/go/test_machine_monitor/main.go's flag-driven, Prometheus-exporting
// startup shape.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/go/httputils"
	"go.skia.org/mrtaskman/go/sklog"
	registryrpc "go.skia.org/mrtaskman/registry/go/rpc"
	registrystore "go.skia.org/mrtaskman/registry/go/store"
	schedulerrpc "go.skia.org/mrtaskman/scheduler/go/rpc"
	"go.skia.org/mrtaskman/scheduler/go/scheduler"
	schedulerstore "go.skia.org/mrtaskman/scheduler/go/store"
	"go.skia.org/mrtaskman/scheduler/go/timeoutqueue"
)

var (
	port          = flag.String("port", ":8001", "HTTP service address (e.g. ':8001')")
	promPort      = flag.String("prom_port", ":20010", "Metrics service address (e.g. ':20010')")
	schedulerDB   = flag.String("scheduler_db", "mrtaskman_scheduler.db", "Path to the scheduler's bbolt database file.")
	registryDB    = flag.String("registry_db", "mrtaskman_registry.db", "Path to the registry's bbolt database file.")
	webhookClient = http.DefaultClient
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	schedDB, err := bbolt.Open(*schedulerDB, 0600, nil)
	if err != nil {
		sklog.Fatalf("Failed to open scheduler db %q: %s", *schedulerDB, err)
	}
	defer schedDB.Close()
	schedStore, err := schedulerstore.New(schedDB)
	if err != nil {
		sklog.Fatalf("Failed to open scheduler store: %s", err)
	}

	regDB, err := bbolt.Open(*registryDB, 0600, nil)
	if err != nil {
		sklog.Fatalf("Failed to open registry db %q: %s", *registryDB, err)
	}
	defer regDB.Close()
	regStore, err := registrystore.New(regDB)
	if err != nil {
		sklog.Fatalf("Failed to open registry store: %s", err)
	}

	queue := timeoutqueue.New(ctx)
	defer queue.Stop()
	sched := scheduler.New(ctx, schedStore, queue, webhookClient)

	r := chi.NewRouter()
	schedulerrpc.New(sched).AddHandlers(r)
	registryrpc.New(regStore).AddHandlers(r)

	go func() {
		sklog.Infof("Serving metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, promhttp.Handler()); err != nil {
			sklog.Fatalf("Metrics server failed: %s", err)
		}
	}()

	srv := &http.Server{Addr: *port, Handler: httputils.HealthzAndHTTPS(r)}
	go func() {
		<-ctx.Done()
		sklog.Infof("Shutting down.")
		_ = srv.Shutdown(context.Background())
	}()

	sklog.Infof("Serving MrTaskman on %s", *port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sklog.Fatalf("Server failed: %s", err)
	}
}
