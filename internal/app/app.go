package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"outrider/internal/app/server"
	"outrider/internal/assignment"
	"outrider/internal/config"
	"outrider/internal/cooldown"
	"outrider/internal/database"
	"outrider/internal/dedup"
	"outrider/internal/domain"
	"outrider/internal/geo"
	"outrider/internal/health"
	"outrider/internal/jobs/browser"
	"outrider/internal/jobs/checkpoint"
	"outrider/internal/jobs/orchestrator"
	"outrider/internal/jobs/queue"
	"outrider/internal/notify"
	"outrider/internal/prober"
	"outrider/internal/support"
)

const defaultBackendPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(log.DebugLevel)

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	workersFlag := flag.Int("workers", 0, "Queue worker count override")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	config.ReadSettings()

	backendPort := resolvePort("BACKEND_PORT", *backendPortFlag)

	db, err := database.SetupDB()
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	if err := database.EnsureBootstrapAdmin(); err != nil {
		log.Error("bootstrap admin setup failed", "error", err)
	}

	redisClient, err := support.GetRedisClient()
	if err != nil {
		return fmt.Errorf("failed to get redis client: %w", err)
	}
	defer support.CloseRedisClient()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heartbeatCancel := queue.LaunchWorkerHeartbeat(ctx, redisClient)
	defer heartbeatCancel()

	cfg := config.GetConfig()

	// Service wiring. The ledger doubles as the evaluator's reassigner.
	ledger := assignment.NewLedger(db)
	dispatcher := notify.NewDispatcher(
		cfg.Notify.WebhookURL,
		time.Duration(cfg.Notify.TimeoutSeconds)*time.Second,
	)
	evaluator := health.NewEvaluator(db, health.Config{
		RecentWindow:            cfg.RecentWindow(),
		ReuseEmbargo:            cfg.ReuseEmbargo(),
		MinSampleForSuccessRate: cfg.Rotation.MinSampleForSuccessRate,
	}, ledger, dispatcher)

	cooldownStore := cooldown.NewStore(redisClient)
	deduper := dedup.NewService(db, time.Duration(cfg.Dedup.CooldownDays)*24*time.Hour)
	scanner := checkpoint.NewScanner(cfg.Browser.ScreenshotDir)
	sessionFactory := browser.NewFactory(browser.Options{
		Headless:          cfg.Browser.Headless,
		NavigationTimeout: cfg.NavigationTimeout(),
		ActionTimeout:     cfg.ActionTimeout(),
		ActionSelector:    cfg.Browser.ActionSelector,
		MessageSelector:   cfg.Browser.MessageSelector,
		ConfirmSelector:   cfg.Browser.ConfirmSelector,
	}, scanner)

	orch := orchestrator.New(
		orchestrator.Config{CaptchaCooldown: cfg.CaptchaCooldown()},
		ledger, evaluator, deduper, cooldownStore, dispatcher,
		orchestrator.SessionFactoryFunc(func(ctx context.Context, proxy *domain.Proxy, jobID uint64) (orchestrator.Session, error) {
			return sessionFactory.Open(ctx, proxy, jobID)
		}),
	)

	workers := cfg.Queue.Workers
	if *workersFlag > 0 {
		workers = *workersFlag
	}
	if workers <= 0 {
		workers = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		processor := queue.NewProcessor(db, queue.Config{
			ExecutorID:   fmt.Sprintf("%s-%d", queue.WorkerID(), i),
			BatchSize:    cfg.Queue.BatchSize,
			PollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
			PacingMin:    time.Duration(cfg.Queue.PacingMinMs) * time.Millisecond,
			PacingMax:    time.Duration(cfg.Queue.PacingMaxMs) * time.Millisecond,
			StuckAfter:   time.Duration(cfg.Queue.StuckAfterMinutes) * time.Minute,
			RetryBackoff: time.Duration(cfg.Queue.RetryBackoffSeconds) * time.Second,
			SweepEvery:   time.Duration(cfg.Rotation.RecoverySweepMinutes) * time.Minute,
		}, orch, evaluator)

		group.Go(func() error {
			err := processor.Run(groupCtx)
			if err != nil && groupCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	refresher := geo.NewRefresher(db, cfg.Geo.DatabasePath)
	defer refresher.Close()
	go refresher.Run(ctx, time.Duration(cfg.Geo.SweepMinutes)*time.Minute)

	server.Configure(server.Deps{
		Ledger:    ledger,
		Evaluator: evaluator,
		Prober: prober.New(
			cfg.Prober.TestURL,
			time.Duration(cfg.Prober.TimeoutSeconds)*time.Second,
		),
		Cooldown: cooldownStore,
		Redis:    redisClient,
	})

	group.Go(func() error {
		return server.OpenRoutes(backendPort)
	})

	return group.Wait()
}

func resolvePort(envKey string, fallback int) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return fallback
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return fallback
	}
	return port
}
