// Command leakrig-server runs the leak test controller against real
// rig hardware, reached over a Redis Pub/Sub link to the rig's I/O
// firmware.
//
// Usage:
//
//	leakrig-server [--redis addr] [--listen :8002] [--db leakrig.db] [--profiles dir]
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

	"github.com/redis/go-redis/v9"

	"github.com/holla2040/leakrig/internal/api"
	"github.com/holla2040/leakrig/internal/engine"
	"github.com/holla2040/leakrig/internal/estop"
	"github.com/holla2040/leakrig/internal/hwbus"
	"github.com/holla2040/leakrig/internal/protocol"
	"github.com/holla2040/leakrig/internal/reference"
	"github.com/holla2040/leakrig/internal/report"
	"github.com/holla2040/leakrig/internal/statushub"
	"github.com/holla2040/leakrig/internal/store"
)

const serverVersion = "1.0.0"

var serverSource = protocol.Source{
	Service:  "leakrig_server",
	Instance: "leakrig-01",
	Version:  serverVersion,
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	station := flag.String("station", "leakrig-01", "rig station instance ID")
	listenAddr := flag.String("listen", ":8002", "HTTP listen address")
	dbPath := flag.String("db", "leakrig.db", "SQLite database path")
	profileDir := flag.String("profiles", "", "reference profile directory (optional)")
	reportDir := flag.String("reports", "", "directory to write pass/fail PDF banners (optional)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", *redisAddr, err)
	}
	log.Printf("connected to Redis at %s", *redisAddr)

	db, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database at %s: %v", *dbPath, err)
	}
	defer db.Close()
	log.Printf("opened database at %s", *dbPath)

	bus := hwbus.New(rdb, serverSource, *station)
	hub := statushub.NewHub()

	linkMon := hwbus.NewLinkMonitor(rdb,
		hwbus.WithOnLinkDown(func() {
			log.Println("redis link lost — hardware commands will time out")
		}),
		hwbus.WithOnLinkUp(func() {
			log.Println("redis link restored")
		}),
	)

	var printer engine.Printer
	if *reportDir != "" {
		printer = report.NewPDFPrinter(report.FileOpener(*reportDir))
	}

	eng := engine.New(engine.Options{
		Actuator:  bus,
		Source:    bus,
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
		Engine:     eng,
		Store:      db,
		Estop:      estopCoord,
		Hub:        hub,
		Profiles:   profiles,
		LinkHealth: linkMon,
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"leakrig-server","version":"` + serverVersion + `"}`))
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runEstopListener(ctx, rdb, estopCoord)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		linkMon.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
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

// runEstopListener subscribes to emergency stop events broadcast by
// the rig's firmware (a physical button, not just the operator API)
// and routes them into the same Coordinator the HTTP handler uses. It
// automatically re-subscribes if the connection drops.
func runEstopListener(ctx context.Context, rdb *redis.Client, coord *estop.Coordinator) {
	for {
		if ctx.Err() != nil {
			return
		}

		sub := rdb.Subscribe(ctx, "events:emergency_stop")
		ch := sub.Channel()

		func() {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						log.Println("estop: subscription channel closed, reconnecting...")
						return
					}
					parsed, err := protocol.Parse([]byte(msg.Payload))
					if err != nil {
						log.Printf("estop: parse error: %v", err)
						continue
					}
					if err := coord.HandleMessage(parsed); err != nil {
						log.Printf("estop: handle error: %v", err)
					}
				}
			}
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
