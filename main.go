package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/handlers"
	"github.com/termgate/termgate/internal/logging"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/reconcile"
	"github.com/termgate/termgate/internal/runtime"
	"github.com/termgate/termgate/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--attach":
			runAttach()
			return
		case "--reconcile":
			runReconcile()
			return
		case "--sessions":
			runSessions()
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	rt := &runtime.DockerRuntime{}
	if err := rt.Initialize(ctx); err != nil {
		// The server still comes up for health checks and the admin API;
		// terminal sessions fail until the daemon is reachable.
		log.Printf("WARNING: container runtime init: %v", err)
	}

	reg := session.NewRegistry(rt, session.Policy{
		MaxDuration: config.Cfg.MaxSessionDuration,
		MaxIdle:     config.Cfg.MaxIdleTime,
		OrphanGrace: config.Cfg.OrphanGrace,
		BufferLines: config.Cfg.OutputBufferLines,
	}, database.Recorder{})
	handlers.Reg = reg

	rec := reconcile.New(reg, rt)
	handlers.Rec = rec

	if removed, err := rec.StartupSweep(ctx); err != nil {
		log.Printf("WARNING: startup sweep: %v", err)
	} else if len(removed) > 0 {
		log.Printf("Startup sweep removed %d leftover containers", len(removed))
	}

	sched := cron.New()
	sched.AddFunc(config.Cfg.MonitorSchedule, func() {
		if n := reg.SweepExpired(); n > 0 {
			log.Printf("Session monitor terminated %d expired sessions", n)
		}
	})
	sched.AddFunc(config.Cfg.ReconcileSchedule, func() {
		reconcileCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		// Periodic pass is report-only; fixes are applied via the admin API.
		rec.Reconcile(reconcileCtx, false)
	})
	sched.Start()
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws/terminal", handlers.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminToken)
			r.Get("/sessions", handlers.ListSessions)
			r.Delete("/sessions/{id}", handlers.CloseSession)
			r.Get("/sessions/history", handlers.SessionHistory)
			r.Post("/reconcile", handlers.RunReconcile)
			r.Get("/settings", handlers.GetSettings)
			r.Put("/settings/{key}", handlers.UpdateSetting)
			r.Get("/logs", handlers.GetServerLogs)
			r.Delete("/logs", handlers.ClearServerLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reg.TerminateAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// runReconcile runs one reconciliation pass against the local daemon and
// prints the report.
func runReconcile() {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	fix := fs.Bool("fix", false, "Apply fixes instead of reporting only")
	fs.Parse(os.Args[2:])

	config.Load()

	ctx := context.Background()
	rt := &runtime.DockerRuntime{}
	if err := rt.Initialize(ctx); err != nil {
		log.Fatalf("Container runtime init: %v", err)
	}

	// A fresh process has no live sessions, so every container found is
	// unbound; with -fix this removes all of them.
	reg := session.NewRegistry(rt, session.DefaultPolicy(), nil)
	rec := reconcile.New(reg, rt)

	report, err := rec.Reconcile(ctx, *fix)
	if err != nil {
		log.Fatalf("Reconcile: %v", err)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

// runSessions lists session containers known to the local daemon.
func runSessions() {
	config.Load()

	ctx := context.Background()
	rt := &runtime.DockerRuntime{}
	if err := rt.Initialize(ctx); err != nil {
		log.Fatalf("Container runtime init: %v", err)
	}

	containers, err := rt.ListSessionContainers(ctx, true)
	if err != nil {
		log.Fatalf("List session containers: %v", err)
	}
	if len(containers) == 0 {
		fmt.Println("No session containers.")
		return
	}
	for _, c := range containers {
		fmt.Printf("%-50s %-10s created %s\n", c.Name, c.State, c.CreatedAt.Format(time.RFC3339))
	}
}
