package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"cropwatch/internal/api"
	"cropwatch/internal/config"
	"cropwatch/internal/delivery"
	"cropwatch/internal/jobs"
	"cropwatch/internal/ratelimit"
	"cropwatch/internal/scheduler"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path for durable delivery mode (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery queue: durable when a DB path is configured, memory fallback
	// otherwise.
	queue, runQueue, stopQueue := buildQueue(ctx, cfg)
	go runQueue(ctx)

	// Scheduler with the standing jobs.
	sched := scheduler.New(scheduler.WithTick(cfg.SchedulerTick(time.Second)))
	if err := jobs.Register(sched, jobs.Deps{
		Fields:          noFields{},
		Health:          noopHealth{},
		Recommendations: noopRecommendations{},
		Weather:         noopWeather{},
		Queue:           queue,
		Timezone:        cfg.Scheduler.Timezone,
	}); err != nil {
		log.Fatal().Err(err).Msg("register jobs")
	}
	sched.StartAll()
	go sched.Run(ctx)

	// Admission limiter store; nil disables limiting (fail open).
	var store ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = ratelimit.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("rate limiter backed by redis")
	} else {
		log.Warn().Msg("no redis configured, rate limiting disabled")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(sched, queue, store)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	sched.StopAll()
	sched.Stop()
	stopQueue()
	cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func buildQueue(ctx context.Context, cfg config.Config) (delivery.Queue, func(context.Context), func()) {
	email := logEmailSender{}
	push := logPushSender{}

	if cfg.DBPath == "" {
		q := delivery.NewMemoryQueue(email, push,
			delivery.WithMaxRetries(cfg.Delivery.MaxRetries),
			delivery.WithDrainInterval(cfg.DrainInterval(time.Second)))
		return q, q.Run, q.Stop
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := delivery.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure delivery schema")
	}

	store := delivery.NewStore(db, cfg.Delivery.MaxRetries+1)
	if n, err := store.RecoverStale(ctx, time.Minute); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale sending tasks")
	}

	q := delivery.NewDurableQueue(store, email, push,
		delivery.WithWorkers(cfg.Delivery.Workers),
		delivery.WithSendRate(cfg.Delivery.SendRate, cfg.Delivery.Workers))
	return q, q.Run, q.Stop
}

// Development collaborators. The wrapping application injects its real
// persistence models and provider integrations in place of these.

type logEmailSender struct{}

func (logEmailSender) SendEmail(ctx context.Context, p delivery.EmailPayload) error {
	log.Info().Str("to", p.To).Str("subject", p.Subject).Msg("email send (dev sender)")
	return nil
}

type logPushSender struct{}

func (logPushSender) SendPush(ctx context.Context, p delivery.PushPayload) error {
	log.Info().Str("user_id", p.UserID).Str("title", p.Title).Msg("push send (dev sender)")
	return nil
}

type noFields struct{}

func (noFields) ActiveFields(ctx context.Context) ([]jobs.Field, error) { return nil, nil }

type noopHealth struct{}

func (noopHealth) UpdateFieldHealth(ctx context.Context, f jobs.Field) error { return nil }

type noopRecommendations struct{}

func (noopRecommendations) GenerateForField(ctx context.Context, f jobs.Field) error { return nil }

type noopWeather struct{}

func (noopWeather) RefreshForecast(ctx context.Context, f jobs.Field) ([]jobs.WeatherAlert, error) {
	return nil, nil
}
