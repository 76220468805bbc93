package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gridline/fieldbus/internal/alarm"
	"github.com/gridline/fieldbus/internal/api"
	"github.com/gridline/fieldbus/internal/cache"
	"github.com/gridline/fieldbus/internal/cleanup"
	"github.com/gridline/fieldbus/internal/config"
	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/history"
	"github.com/gridline/fieldbus/internal/notify"
	"github.com/gridline/fieldbus/internal/poll"
	"github.com/gridline/fieldbus/internal/sched"
	"github.com/gridline/fieldbus/internal/session"
	"github.com/gridline/fieldbus/internal/store"
	"github.com/gridline/fieldbus/internal/writeq"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	// Seed the cache so the API serves last known values immediately.
	tagCache := cache.New()
	if tags, err := db.CurrentValues(ctx); err != nil {
		log.Printf("Cache warmup skipped: %v", err)
	} else {
		warm := make(map[int64]cache.Entry, len(tags))
		for _, t := range tags {
			if t.LastUpdated != nil {
				warm[t.ID] = cache.Entry{Value: t.CurrentValue, UpdatedAt: *t.LastUpdated}
			}
		}
		tagCache.Warm(warm)
		log.Printf("Cache warmed with %d tag values", tagCache.Len())
	}

	var bus events.Bus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		}
		bus = events.NewRedisBus(client, "fieldbus:events:")
		log.Printf("Event bus: redis (%s)", cfg.Redis.Addr)
	} else {
		bus = events.NewLocalBus()
		log.Print("Event bus: in-process")
	}
	defer bus.Close()

	sessions := session.NewManager(nil, cfg.Poll.Timeout(),
		cfg.Poll.BackoffMin(), cfg.Poll.BackoffMax())
	defer sessions.CloseAll()

	writes := writeq.New(db)
	sampler := history.NewSampler(db)
	alarms := alarm.NewEvaluator(db, bus)
	engine := poll.New(db, sessions, tagCache, bus, sampler, alarms,
		poll.NewMetrics(), cfg.Poll.Interval())
	scheduler := sched.NewRunner(db, cfg.Schedule.Interval())
	cleaner := cleanup.NewRunner(db, cfg.Cleanup.Interval(),
		cfg.Cleanup.WriteGrace(), cfg.Cleanup.AlarmGrace())

	dispatcher := notify.NewDispatcher(db, notify.LogSender{})
	stopNotify := dispatcher.Start(bus)
	defer stopNotify()

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){engine.Run, scheduler.Run, cleaner.Run} {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}

	srv := api.NewServer(db, tagCache, writes, sessions, bus)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("Fieldbus supervisor listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}

	wg.Wait()
	log.Println("Supervisor stopped")
}
