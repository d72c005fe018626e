// Command leakrig-sim runs the leak test controller against the
// in-process pneumatic simulator, for demos and integration testing
// without real rig hardware.
//
// Usage:
//
//	leakrig-sim [--listen :8002] [--db leakrig.db] [--profiles dir]
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/holla2040/leakrig/internal/api"
	"github.com/holla2040/leakrig/internal/engine"
	"github.com/holla2040/leakrig/internal/estop"
	"github.com/holla2040/leakrig/internal/reference"
	"github.com/holla2040/leakrig/internal/report"
	"github.com/holla2040/leakrig/internal/simrig"
	"github.com/holla2040/leakrig/internal/statushub"
	"github.com/holla2040/leakrig/internal/store"
)

const serverVersion = "1.0.0"

func main() {
	listenAddr := flag.String("listen", ":8002", "HTTP listen address")
	dbPath := flag.String("db", "leakrig.db", "SQLite database path")
	profileDir := flag.String("profiles", "", "reference profile directory (optional)")
	reportDir := flag.String("reports", "", "directory to write pass/fail PDF banners (optional)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database at %s: %v", *dbPath, err)
	}
	defer db.Close()
	log.Printf("opened database at %s", *dbPath)

	rig := simrig.New()
	rig.SetLeak(0, 0) // no leak; this binary has no option to set one

	hub := statushub.NewHub()

	var printer engine.Printer
	if *reportDir != "" {
		printer = report.NewPDFPrinter(report.FileOpener(*reportDir))
	}

	eng := engine.New(engine.Options{
		Actuator:  rig,
		Source:    rig,
		Store:     db,
		Printer:   printer,
		Observers: []engine.StatusObserver{hub},
	})

	estopCoord := estop.New(eng, func(state estop.State) {
		hub.OnStatus(eng.Status())
		log.Printf("emergency stop: %s (%s)", state.Reason, state.Initiator)
	})

	var profiles *reference.Resolver
	if *profileDir != "" {
		profiles, err = reference.NewResolver(*profileDir)
		if err != nil {
			log.Fatalf("failed to load profiles from %s: %v", *profileDir, err)
		}
		defer profiles.Close()
		log.Printf("watching profiles in %s", *profileDir)
	}

	handler := &api.Handler{
		Engine:   eng,
		Store:    db,
		Estop:    estopCoord,
		Hub:      hub,
		Profiles: profiles,
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"leakrig-sim","version":"` + serverVersion + `"}`))
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Periodically push a status snapshot so dashboards see idle/live
	// chamber pressures between engine-driven events, not just at
	// phase transitions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.OnStatus(eng.Status())
			}
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	wg.Wait()
	log.Println("shutdown complete")
}
