package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/agents"
	"github.com/cadencehq/cadence/internal/api"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/carrier"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/engine"
	"github.com/cadencehq/cadence/internal/handover"
	"github.com/cadencehq/cadence/internal/ingest"
	"github.com/cadencehq/cadence/internal/modelrouter"
	"github.com/cadencehq/cadence/internal/pkg/distlock"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/scheduler"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/template"
)

func main() {
	log.Println("Cadence engagement server starting...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.Runtime.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(int64(cfg.Runtime.MemoryLimitMB) << 20)
		log.Printf("Memory limit: %d MiB", cfg.Runtime.MemoryLimitMB)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	// Redis backs breaker state, daily send caps, and per-lead leases. The
	// runtime degrades to local-only behavior when it is unreachable.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v, shared breaker state, caps, and leases disabled", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}

	var sharedState breaker.SharedState
	if redisClient != nil {
		sharedState = breaker.NewRedisState(redisClient)
	}
	breakers := breaker.NewRegistry(sharedState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Model router with Bedrock provider. With agents disabled the Overlord
	// routes deterministically and channel agents send stock templates.
	var router *modelrouter.Router
	var invoker agents.ModelInvoker
	if cfg.Runtime.EnableAgents {
		provider, err := modelrouter.NewBedrockProvider(ctx, cfg.Model.Region)
		if err != nil {
			log.Fatalf("Failed to initialize Bedrock provider: %v", err)
		}
		router = modelrouter.New(provider, cfg.Model, breakers.Get(breaker.ServiceModelProvider))
		invoker = router
		log.Printf("Model router initialized (simple=%s, complex=%s)", cfg.Model.SimpleModel, cfg.Model.ComplexModel)
	} else {
		log.Println("Agents disabled (ENABLE_AGENTS=false), template-only operation")
	}

	overlord := agents.NewOverlord(invoker)
	channelAgents := []agents.ChannelAgent{
		agents.NewEmailAgent(invoker),
		agents.NewSMSAgent(invoker),
	}
	if cfg.Runtime.EnableWebsocket {
		channelAgents = append(channelAgents, agents.NewChatAgent(invoker))
	} else {
		log.Println("Websocket chat disabled (ENABLE_WEBSOCKET=false)")
	}

	// Outbound carriers
	var email carrier.EmailCarrier
	if cfg.Email.Provider == "mailgun" {
		email = carrier.NewMailgun(cfg.Email)
		log.Printf("Email carrier: Mailgun (domain: %s)", cfg.Email.Domain)
	} else {
		sesCarrier, err := carrier.NewSES(ctx, cfg.Email)
		if err != nil {
			log.Fatalf("Failed to initialize SES carrier: %v", err)
		}
		email = sesCarrier
		log.Printf("Email carrier: SES (region: %s)", cfg.Email.Region)
	}
	sms := carrier.NewTwilioSMS(cfg.SMS)

	st := store.New(db)
	q := queue.New(db)
	tmpl := template.NewEngine()

	pressure := queue.NewBackpressureMonitor(q, cfg.Queue.SoftDepth, cfg.Queue.HardDepth)
	pressure.Start()

	var lease engine.LeaseFactory
	if redisClient != nil {
		rc := redisClient
		lease = func(leadID string) distlock.Lock {
			return distlock.NewLeadLease(rc, leadID, 30*time.Second)
		}
	}

	evaluator := handover.New(st, channelAgents, email, cfg.Email, breakers, nil)

	eng := engine.New(st, q, overlord, channelAgents, email, sms, tmpl,
		cfg.Email, cfg.SMS, engine.Options{
			Handover: evaluator,
			Lease:    lease,
			Pressure: pressure,
			Breakers: breakers,
		})

	pool := queue.NewWorkerPool(q, time.Duration(cfg.Queue.RetryDelayMs)*time.Millisecond)
	eng.RegisterHandlers(pool, cfg.Queue.MaxConcurrent)
	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	caps := scheduler.NewDailyCap(redisClient)
	sched := scheduler.New(st, eng, tmpl, caps)
	sched.Start()

	followUp := handover.NewFollowUpWorker(evaluator, 24*time.Hour)
	followUp.Start()

	go eng.RunTickLoop(ctx, 5*time.Minute)

	// IMAP mailbox scanner (optional)
	var scanner *ingest.Scanner
	if cfg.IMAP.Enabled() {
		rulesPath := os.Getenv("MAILBOX_RULES_PATH")
		if rulesPath == "" {
			rulesPath = "config/mailbox_rules.yaml"
		}
		rules, err := ingest.LoadRules(rulesPath)
		if err != nil {
			log.Fatalf("Failed to load mailbox rules: %v", err)
		}
		scanner = ingest.NewScanner(cfg.IMAP, eng, rules, breakers)
		scanner.Start()
		log.Printf("IMAP scanner started (%s, %d rules)", cfg.IMAP.Host, len(rules))
	} else {
		log.Println("IMAP scanner not configured")
	}

	server := api.NewServer(&api.Handlers{
		Engine:   eng,
		Router:   router,
		Breakers: breakers,
		Sched:    sched,
		Scanner:  scanner,
		Pressure: pressure,
		Tmpl:     tmpl,
		Cfg:      cfg,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")
	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	cancel()
	if scanner != nil {
		scanner.Stop()
	}
	followUp.Stop()
	sched.Stop()
	pool.Stop()
	pressure.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()
	log.Println("Server stopped")
}
