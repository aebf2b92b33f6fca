package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"crisp.org/internal/audit"
	"crisp.org/internal/feed"
	"crisp.org/internal/feed/taxii"
	"crisp.org/internal/httpapi"
	"crisp.org/internal/intel"
	"crisp.org/internal/obs"
	"crisp.org/internal/progress"
	"crisp.org/internal/stix"
	"crisp.org/internal/store/pg"
	"crisp.org/internal/trust"
	"crisp.org/internal/trust/eval"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		db         *sql.DB
		feeds      intel.FeedRepository
		indicators intel.IndicatorRepository
		ttps       intel.TTPRepository
		trustStore trust.Store
	)
	if dsn := os.Getenv("CRISP_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		db = store.DB()
		feeds = store.Feeds()
		indicators = store.Indicators()
		ttps = store.TTPs()
		trustStore = store.Trust()
	} else {
		log.Println("CRISP_PG_DSN not set, using in-memory storage")
		feeds = intel.NewMemoryFeeds()
		indicators = intel.NewMemoryIndicators()
		ttps = intel.NewMemoryTTPs()
		trustStore = trust.NewInMemory()
	}

	// Progress and control signals: Redis when configured, in-memory otherwise.
	var progressStore progress.Store
	if addr := os.Getenv("CRISP_REDIS_ADDR"); addr != "" {
		redisDB := 0
		if raw := os.Getenv("CRISP_REDIS_DB"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				log.Fatalf("CRISP_REDIS_DB: %v", err)
			}
			redisDB = n
		}
		store, err := progress.NewRedisStore(ctx, addr, os.Getenv("CRISP_REDIS_PASSWORD"), redisDB)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		progressStore = store
	} else {
		log.Println("CRISP_REDIS_ADDR not set, using in-memory progress store")
		mem := progress.NewMemoryStore()
		defer mem.Close()
		progressStore = mem
	}

	bus := progress.NewBroadcaster()
	tracker := progress.NewTracker(progressStore, bus)

	conv := stix.NewConverter(os.Getenv("CRISP_ORG_NAME"))

	chain := eval.NewChain().
		WithSecurity(nil).
		WithCompliance().
		WithAudit(&audit.TrustLogSink{Log: trustStore.Log()}).
		Build()

	orch := feed.NewOrchestrator(feed.Deps{
		Feeds:      feeds,
		Indicators: indicators,
		TTPs:       ttps,
		Source:     taxii.NewClient(),
		Converter:  conv,
		Chain:      chain,
		Tracker:    tracker,
		Metrics:    obs.ConsumptionMetrics{},
	})

	api := httpapi.New(httpapi.Config{
		Feeds:       feeds,
		Indicators:  indicators,
		TTPs:        ttps,
		Orch:        orch,
		Tracker:     tracker,
		Bus:         bus,
		Converter:   conv,
		Trust:       trustStore,
		Chain:       chain,
		ReadyProbe:  httpapi.ReadyProbe{DB: db},
		Version:     version,
		RequireAuth: os.Getenv("CRISP_REQUIRE_AUTH") == "1",
	})

	addr := os.Getenv("CRISP_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long write timeout so SSE progress streams are not cut off.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting crispd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
