// Standalone background processor: job queue workers, the touch-sequence
// scheduler, the quiescence tick, handover follow-ups, and the IMAP scanner,
// without the HTTP surface. Run alongside cmd/server to scale job
// throughput horizontally; claims and enrollment advances are safe across
// processes.
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
	log.Println("Cadence worker starting...")

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

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v, running local-only", err)
			redisClient.Close()
			redisClient = nil
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

	// With agents disabled the Overlord routes deterministically and channel
	// agents send stock templates.
	var invoker agents.ModelInvoker
	if cfg.Runtime.EnableAgents {
		provider, err := modelrouter.NewBedrockProvider(ctx, cfg.Model.Region)
		if err != nil {
			log.Fatalf("Failed to initialize Bedrock provider: %v", err)
		}
		invoker = modelrouter.New(provider, cfg.Model, breakers.Get(breaker.ServiceModelProvider))
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
	}

	var email carrier.EmailCarrier
	if cfg.Email.Provider == "mailgun" {
		email = carrier.NewMailgun(cfg.Email)
	} else {
		sesCarrier, err := carrier.NewSES(ctx, cfg.Email)
		if err != nil {
			log.Fatalf("Failed to initialize SES carrier: %v", err)
		}
		email = sesCarrier
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
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Worker running")
	<-done
	log.Println("Shutting down...")

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
	log.Println("Worker stopped")
}
