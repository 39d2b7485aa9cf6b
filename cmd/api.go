package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/costquota"
	"github.com/aima-platform/gpu-orchestrator/internal/dispatcher"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/handlers"
	"github.com/aima-platform/gpu-orchestrator/internal/health"
	"github.com/aima-platform/gpu-orchestrator/internal/objects"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/provisioner"
	"github.com/aima-platform/gpu-orchestrator/internal/scheduler"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/postgres_store"
	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
)

var Server *http.ServeMux

// Serve runs the orchestrator: it applies migrations, wires the Job Store,
// the provider registry, and every background loop (Scheduler, Provisioner,
// Dispatcher, Reaper, cost accrual) into one process, then serves the HTTP
// API on top of them. The Dispatcher's worker control channel is an inbound
// websocket endpoint on the same mux, so it cannot live in a separate
// process from the API server without a second rendezvous mechanism the
// spec doesn't call for.
func Serve() error {
	if err := RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store.AppStore = postgres_store.PostgresStore
	deferredStoreFuncs := initStores()
	for _, deferredFunc := range deferredStoreFuncs {
		defer deferredFunc()
	}

	snap := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := providers.BuildRegistry(ctx, snap)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	bus := eventbus.New(256)
	disp := dispatcher.New(store.AppStore, bus, 32)
	prov := provisioner.New(store.AppStore, registry, bus, provisioner.ConfigFromSnapshot(snap))
	sched := scheduler.New(store.AppStore, registry, prov, disp, bus, scheduler.ConfigFromSnapshot(snap))
	reaper := health.New(store.AppStore, registry, bus, health.ConfigFromSnapshot(snap))

	go disp.Run(ctx)
	go prov.Run(ctx)
	go sched.Run(ctx)
	go reaper.Run(ctx)
	go costquota.Run(ctx, store.AppStore, time.Minute)

	if snap.ColdStoreBackend != "" {
		objStore, err := objects.NewObjectStore(objects.ObjectStoreConfig{
			Type: snap.ColdStoreBackend,
			Config: map[string]string{
				"bucket":   snap.ColdStoreBucket,
				"prefix":   snap.ColdStorePrefix,
				"region":   snap.ColdStoreRegion,
				"endpoint": snap.ColdStoreEndpoint,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to build cold-store object backend: %w", err)
		}
		handlers.SetObjectStore(objStore)
	}

	handler := handlers.NewRouter(bus, disp)
	logging.Log.Infof("Starting HTTP server on port %d", config.Port)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.Port), Handler: handler}
	serveErrChan := make(chan error, 1)
	go func() {
		serveErrChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logging.Log.Infof("received signal %v, shutting down gracefully", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErrChan:
		errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
		cancel()
		return err
	}
}

func initStores() []func() {
	// initialize stores using a worker pool to speed up startup
	pool := workerpool.New(5)
	deferredFunctions := []func(){}

	pool.Submit(func() {
		deferredFunc, err := store.AppStore.Initialize()
		errorutils.PanicOnErr(nil, "error initializing app store", err)
		if deferredFunc != nil {
			deferredFunctions = append(deferredFunctions, deferredFunc)
		}
		logging.Log.Info("app store initialized")

		// Ensure default user exists if configured
		if err := store.AppStore.EnsureDefaultUser(); err != nil {
			logging.Log.WithError(err).Error("Failed to ensure default user")
		} else {
			logging.Log.Info("Default user check completed")
		}
	})

	pool.StopWait()
	return deferredFunctions
}
