// cmd/server/app.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/groupcast/internal/archive"
	"github.com/unclebandit/groupcast/internal/config"
	"github.com/unclebandit/groupcast/internal/connection"
	"github.com/unclebandit/groupcast/internal/controller"
	"github.com/unclebandit/groupcast/internal/db"
	"github.com/unclebandit/groupcast/internal/handler"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/notify"
	"github.com/unclebandit/groupcast/internal/platform/loopback"
	"github.com/unclebandit/groupcast/internal/queue"
	"github.com/unclebandit/groupcast/internal/ratelimit"
	"github.com/unclebandit/groupcast/internal/registry"
	"github.com/unclebandit/groupcast/internal/repository"
	"github.com/unclebandit/groupcast/internal/secrets"
	"github.com/unclebandit/groupcast/internal/service"
)

type stores struct {
	credentials repository.CredentialRepositoryInterface
	accounts    repository.AccountRepositoryInterface
	campaigns   repository.CampaignRepositoryInterface
	deliveries  repository.DeliveryRepositoryInterface
}

// app is the wired server: stores, event bus, accounts and dispatch.
type app struct {
	cfg *config.Config
	log *slog.Logger

	db       *sql.DB
	redis    *redis.Client
	bus      queue.Queue
	amqp     *queue.AMQPQueue
	notifier *notify.Notifier
	network  *loopback.Network
	registry *registry.Registry
	service  *service.CampaignService
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	limiter, err := a.openLimiter(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.openBus(); err != nil {
		return nil, err
	}
	a.notifier = notify.New(a.bus, notify.WithLogger(log))

	a.network = loopback.New(
		loopback.WithAutoPair(cfg.Sandbox.PairDelay),
		loopback.WithGroups(cfg.Sandbox.Groups),
		loopback.WithFailRate(cfg.Sandbox.FailRate),
		loopback.WithLatency(cfg.Sandbox.SendJitter),
	)

	a.registry = registry.New(registry.Options{
		Accounts: st.accounts,
		Connection: connection.Options{
			Dialer:      a.network,
			Credentials: st.credentials,
			Policy:      connection.PolicyFromConfig(cfg.Connection),
			Notifier:    a.notifier,
			PairingTTL:  cfg.PairingTTL,
		},
		Logger: log,
	})

	var archiver service.ReportArchiver
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:         cfg.Archive.Bucket,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			AccessKeyID:    cfg.Archive.AccessKeyID,
			SecretKey:      cfg.Archive.SecretKey,
			Prefix:         cfg.Archive.Prefix,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		archiver = s3a
		log.Info("🗄️ Report archive enabled", "bucket", cfg.Archive.Bucket)
	}

	a.service = service.NewCampaignService(service.Options{
		Accounts:   a.registry,
		Campaigns:  st.campaigns,
		Deliveries: st.deliveries,
		Limiter:    limiter,
		Archiver:   archiver,
		Notifier:   a.notifier,
		Logger:     log,
		Settings: service.Settings{
			MaxTargets:    cfg.Dispatch.MaxTargets,
			SendDelay:     cfg.Dispatch.SendDelay,
			SendTimeout:   cfg.Dispatch.SendTimeout,
			MaxRetries:    cfg.Dispatch.MaxRetries,
			SnapshotEvery: cfg.Dispatch.SnapshotEvery,
			SkipExisting:  cfg.Dispatch.SkipExisting,
		},
	})
	a.registry.SetAborter(a.service)
	ready = true
	return a, nil
}

func (a *app) openStores(ctx context.Context) (stores, error) {
	if a.cfg.StoreDriver != "postgres" {
		mem := repository.NewMemoryStore()
		a.log.Warn("⚠️ Using in-memory store, state is lost on restart")
		return stores{credentials: mem, accounts: mem, campaigns: mem.Campaigns(), deliveries: mem}, nil
	}

	conn, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	a.db = conn
	if err := db.Migrate(ctx, conn, a.log); err != nil {
		return stores{}, err
	}

	var cipher *secrets.Cipher
	key, err := a.cfg.CredentialKeyBytes()
	if err != nil {
		return stores{}, err
	}
	if key != nil {
		if cipher, err = secrets.NewCipher(key); err != nil {
			return stores{}, err
		}
	} else {
		a.log.Warn("⚠️ CREDENTIAL_KEY not set, session credentials are stored unencrypted")
	}

	return stores{
		credentials: &repository.CredentialRepository{DB: conn, Cipher: cipher},
		accounts:    &repository.AccountRepository{DB: conn},
		campaigns:   &repository.CampaignRepository{DB: conn},
		deliveries:  &repository.DeliveryRepository{DB: conn},
	}, nil
}

func (a *app) openLimiter(ctx context.Context) (service.RateLimiter, error) {
	d := a.cfg.Dispatch
	if d.RateLimit <= 0 {
		return nil, nil
	}
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if a.cfg.RateLimitBackend == "redis" {
		client, err := ratelimit.Connect(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		store = ratelimit.NewRedisStore(client, "")
	}
	sw, err := ratelimit.NewSlidingWindow(store, d.RateLimit, d.RateWindow)
	if err != nil {
		return nil, err
	}
	a.log.Info("🚦 Rate ceiling enabled", "limit", sw.Limit(), "window", sw.Window(), "backend", a.cfg.RateLimitBackend)
	return sw, nil
}

// openBus publishes to RabbitMQ when configured; cmd/worker then forwards to
// the webhook. Otherwise the in-memory bus feeds the webhook directly.
func (a *app) openBus() error {
	if a.cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(a.cfg.AMQPURL, a.cfg.EventsQueue, a.log)
		if err != nil {
			return err
		}
		a.amqp, a.bus = q, q
		return nil
	}

	mem := queue.NewInMemoryQueue(queue.WithLogger(a.log))
	a.bus = mem
	if err := mem.Subscribe(queue.TopicAll, logNotification(a.log)); err != nil {
		return err
	}
	if a.cfg.WebhookURL != "" {
		sender := notify.NewSender(a.cfg.WebhookURL, notify.WithSecret(a.cfg.WebhookSecret))
		if err := notify.StartWebhookSubscriber(mem, sender, a.log); err != nil {
			return err
		}
		a.log.Info("🔔 Webhook notifications enabled")
	}
	return nil
}

func logNotification(log *slog.Logger) func(payload any) error {
	log = log.With(logger.Component("notify"))
	return func(payload any) error {
		n, err := notify.Decode(payload)
		if err != nil {
			return nil
		}
		level := slog.LevelInfo
		switch n.Level {
		case model.LevelWarning:
			level = slog.LevelWarn
		case model.LevelError, model.LevelCritical:
			level = slog.LevelError
		}
		log.Log(context.Background(), level, notify.Emoji(n.Level)+" "+n.Title,
			"topic", n.Topic, "message", n.Message, logger.AccountID(n.AccountID))
		return nil
	}
}

// start restores accounts and campaigns from the stores.
func (a *app) start(ctx context.Context) error {
	n, err := a.registry.RestoreAll(ctx)
	if err != nil {
		return err
	}
	recovered, err := a.service.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.log.Info("♻️ Interrupted campaigns loaded as paused", "count", recovered)
	}
	if a.cfg.AutoConnect && n > 0 {
		a.log.Info("🔌 Reconnecting stored sessions", "count", a.registry.ConnectStored(ctx))
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "accounts": len(a.registry.List())})
	})
	handler.NewAccountHandler(a.registry, a.log).Routes(r)
	controller.NewCampaignController(a.service, a.log).Routes(r)
	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	log = log.With(logger.Component("http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("📥 "+r.Method+" "+r.URL.Path,
				"status", ww.Status(), logger.Duration(time.Since(start)),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// close stops dispatch first so final snapshots reach the stores, then the
// sessions, the bus and the connections.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Close(ctx))
	}
	if a.registry != nil {
		errs = append(errs, a.registry.Close(ctx))
	}
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close(ctx))
	}
	if mem, ok := a.bus.(*queue.InMemoryQueue); ok {
		errs = append(errs, mem.Drain(ctx))
	}
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("⚠️ Shutdown finished with errors", logger.Error(err))
	}
}

func (a *app) String() string {
	return fmt.Sprintf("store=%s ratelimit=%s amqp=%t", a.cfg.StoreDriver, a.cfg.RateLimitBackend, a.amqp != nil)
}
