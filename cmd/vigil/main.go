// Vigil orchestrator server - watches alerts, drives incidents through the
// per-incident state machine, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arome3/vigil/pkg/agents"
	"github.com/arome3/vigil/pkg/analyst"
	"github.com/arome3/vigil/pkg/api"
	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/coordinator"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/metrics"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/es"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/arome3/vigil/pkg/version"
	"github.com/arome3/vigil/pkg/workflows"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	demo := flag.Bool("demo", false, "Run the in-memory demo scenario instead of the server")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", *envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", *envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Vigil %s", version.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if *demo {
		st = seedDemoStore()
		log.Println("✓ Demo mode: in-memory store seeded")
	} else {
		esCfg, err := es.LoadConfigFromEnv()
		if err != nil {
			log.Fatalf("Failed to load store config: %v", err)
		}
		client, err := es.NewClient(ctx, esCfg)
		if err != nil {
			log.Fatalf("Failed to connect to Elasticsearch: %v", err)
		}
		st = client
		log.Println("✓ Connected to Elasticsearch")
	}

	recorder := audit.NewRecorder(st)
	machine := incident.NewMachine(st, recorder, incident.GuardConfig{
		SuppressThreshold:  cfg.TriageSuppressThreshold,
		MaxReflectionLoops: cfg.MaxReflectionLoops,
	})

	registry := tools.NewRegistry(st, nil)
	if !*demo {
		if err := registry.Load(cfg.ToolsDir); err != nil {
			log.Fatalf("Failed to load tool definitions: %v", err)
		}
	} else {
		seedDemoTools(registry)
	}

	m := metrics.New()

	b := bus.New()
	m.ObserveBus(b)
	machine.OnTransition(func(from, to incident.Status) {
		m.Transitions.WithLabelValues(string(from), string(to)).Inc()
	})

	deps := agents.Deps{
		Store: st,
		Tools: registry,
		Bus:   b,
		Cfg:   cfg,
		Audit: recorder,
		OnAction: func(status string) {
			m.Actions.WithLabelValues(status).Inc()
		},
	}
	agents.RegisterAll(b, deps)

	slack := workflows.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
	workflows.New(st, cfg, slack).RegisterAll(b)

	coord := coordinator.New(st, b, machine, recorder, cfg)

	an := analyst.New(st, registry, recorder, cfg, nil)
	machine.OnTerminal(an.OnIncidentTerminal)
	batch, err := analyst.NewBatchScheduler(an, cfg.BatchSchedule)
	if err != nil {
		log.Fatalf("Failed to schedule analyst batch: %v", err)
	}
	batch.Start()
	defer batch.Stop()

	watcher := coordinator.NewWatcher(coord)
	watcher.SetPollObserver(func(pollErr error) {
		m.PollCycles.Inc()
		if pollErr != nil {
			m.PollErrors.Inc()
		}
	})

	if *demo {
		runDemo(ctx, coord)
		return
	}

	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start alert watcher: %v", err)
	}
	defer watcher.Stop()
	log.Println("✓ Alert watcher started")

	server := api.NewServer(ctx, st, machine, recorder, watcher, m)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		_ = httpServer.Close()
	}()

	log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// runDemo drives one security alert through the full pipeline against the
// seeded in-memory store.
func runDemo(ctx context.Context, coord *coordinator.Coordinator) {
	outcome, err := coord.OrchestrateAlert(ctx, demoAlert())
	if err != nil {
		log.Fatalf("Demo orchestration failed: %v", err)
	}
	log.Printf("Demo incident %s finished with status %s", outcome.IncidentID, outcome.Status)
}

// seedDemoStore builds the in-memory store with baseline fixtures.
func seedDemoStore() *memstore.Store {
	st := memstore.New()
	seedDemoData(st)
	return st
}
