package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/affinity"
	"github.com/openclaw/authrotator/internal/auth"
	"github.com/openclaw/authrotator/internal/catalog"
	"github.com/openclaw/authrotator/internal/config"
	"github.com/openclaw/authrotator/internal/database"
	"github.com/openclaw/authrotator/internal/metrics"
	"github.com/openclaw/authrotator/internal/orchestrator"
	"github.com/openclaw/authrotator/internal/quota"
	"github.com/openclaw/authrotator/internal/redis"
	"github.com/openclaw/authrotator/internal/scheduler"
	"github.com/openclaw/authrotator/internal/store"
	"github.com/openclaw/authrotator/internal/transport"
)

// taskKeySep joins domain and identity in a scheduler task key. Neither a
// domain key nor an identity key may contain it.
const taskKeySep = "\x1f"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	var (
		accountStore  store.LockedStore
		snapshotStore affinity.SnapshotStore
	)
	switch {
	case cfg.DatabaseURL != "":
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()

		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure schema")
		}
		log.Info().Msg("using postgres account store")

		accountStore = pg
		snapshotStore = affinity.NewFileSnapshotStore(affinitySnapshotPath(cfg.StorePath))
	case cfg.RedisURL != "":
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("using redis account store")

		accountStore = store.NewRedisStore(redisClient)
		snapshotStore = affinity.NewRedisSnapshotStore(redisClient, "default")
	default:
		fileStore, err := store.NewFileStore(cfg.StorePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open file store")
		}
		log.Info().Str("path", cfg.StorePath).Msg("using file account store")

		accountStore = fileStore
		snapshotStore = affinity.NewFileSnapshotStore(affinitySnapshotPath(cfg.StorePath))
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPromCollector(reg)

	refresher := auth.NewHTTPRefresher(cfg.TokenEndpoint, cfg.ClientID)
	acquirer := auth.NewAcquirer(
		accountStore, refresher, collector,
		cfg.LeaseWindow(), cfg.RefreshBuffer(), cfg.CooldownBackoff(),
	)

	affinityState := affinity.NewState(context.Background(), snapshotStore, cfg.Debounce())
	defer affinityState.Close()

	httpTransport := transport.NewHTTPTransport(cfg.OutboundTimeout(), cfg.OutboundRatePerSecond)

	var syncer catalog.Syncer
	if cfg.CatalogEndpoint != "" {
		syncer = catalog.NewHTTPSyncer(cfg.CatalogEndpoint)
	}
	var prober quota.Prober
	if cfg.QuotaEndpoint != "" {
		prober = quota.NewHTTPProber(cfg.QuotaEndpoint)
	}

	orch := orchestrator.New(
		accountStore, acquirer, affinityState, httpTransport,
		syncer, prober, nil, collector, cfg.ProbeRetryCooldown(),
	)
	defer orch.Drain()

	// The scheduler's acquirer refreshes further ahead of expiry than the
	// request path does, so requests rarely pay refresh latency themselves.
	proactive := auth.NewAcquirer(
		accountStore, refresher, collector,
		cfg.LeaseWindow(), cfg.SchedulerBuffer(), cfg.CooldownBackoff(),
	)
	sched := scheduler.New(
		listTasks(accountStore, cfg.Domains),
		refreshTask(proactive),
		cfg.SchedulerInterval(), cfg.SchedulerBuffer(),
	)
	sched.Start()
	defer sched.Stop()

	pruneDone := make(chan struct{})
	defer close(pruneDone)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pruneDone:
				return
			case <-ticker.C:
				if n := orch.PruneSessions(config.AffinityPruneAge); n > 0 {
					log.Info().Int("sessions", n).Msg("pruned stale session bindings")
				}
			}
		}
	}()

	log.Info().Strs("domains", cfg.Domains).Msg("authrotator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
}

func affinitySnapshotPath(storePath string) string {
	return fmt.Sprintf("%s/affinity.json", strings.TrimRight(storePath, "/"))
}

// listTasks builds the proactive refresh worklist: every enabled,
// non-cooling account of every watched domain.
func listTasks(s store.LockedStore, domains []string) scheduler.ListFunc {
	return func(ctx context.Context) ([]scheduler.Task, error) {
		var tasks []scheduler.Task
		for _, domainKey := range domains {
			d, err := s.Load(ctx, domainKey)
			if err != nil {
				return nil, err
			}
			if d == nil {
				continue
			}
			for _, a := range d.Accounts {
				if !a.Enabled {
					continue
				}
				tasks = append(tasks, scheduler.Task{
					Key:       d.Key + taskKeySep + a.IdentityKey,
					ExpiresAt: a.ExpiresAt,
				})
			}
		}
		return tasks, nil
	}
}

// refreshTask routes a due task through the standard acquire path, which
// applies the same lease protocol as request-driven refreshes.
func refreshTask(acquirer *auth.Acquirer) scheduler.RefreshFunc {
	return func(ctx context.Context, key string) error {
		domainKey, identityKey, ok := strings.Cut(key, taskKeySep)
		if !ok {
			return fmt.Errorf("malformed task key %q", key)
		}
		_, err := acquirer.Acquire(ctx, domainKey, []string{identityKey})
		return err
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
