package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "data/worldsync.db", "SQLite database path")
	configPath := flag.String("config", "", "YAML file overriding tick periods")
	journalDir := flag.String("journal", "", "Directory for the compressed change journal (disabled if empty)")
	clientID := flag.String("client-id", DefaultClientID, "Audience authentication keys must carry")
	issuers := flag.String("issuers", DefaultIssuer, "Comma separated accepted key issuers")
	serviceKey := flag.String("service-key", os.Getenv("WORLDSYNC_SERVICE_KEY"), "Operator key for POST /key (stored hashed)")
	flag.Parse()

	db, err := OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := InitDefaultSettings(db); err != nil {
		log.Fatalf("seed settings: %v", err)
	}
	cfg, err := LoadSchedulerConfig(db, *configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	world := NewWorld(db, cfg, *clientID, strings.Split(*issuers, ",")...)
	if *serviceKey != "" {
		if err := world.Auth.SetServiceKey(*serviceKey); err != nil {
			log.Fatalf("service key: %v", err)
		}
	}

	var journal *Journal
	if *journalDir != "" {
		if journal, err = NewJournal(*journalDir, world.Feed); err != nil {
			log.Fatalf("journal: %v", err)
		}
	}

	if err := world.Start(context.Background()); err != nil {
		log.Fatalf("start world: %v", err)
	}

	hub := NewHub(world)
	go hub.Run()

	mux := SetupRoutes(hub)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Printf("Server starting on %s (db %s)", *addr, *dbPath)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	hub.Stop()
	world.Close()
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("journal: close: %v", err)
		}
	}
}
