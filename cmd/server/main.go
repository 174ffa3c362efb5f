package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/waste-dispatch/internal/config"
	"github.com/example/waste-dispatch/internal/dispatcher"
	"github.com/example/waste-dispatch/internal/eta"
	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/fleet"
	"github.com/example/waste-dispatch/internal/geo"
	httpapi "github.com/example/waste-dispatch/internal/http"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/intake"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/payments"
	"github.com/example/waste-dispatch/internal/pricing"
	"github.com/example/waste-dispatch/internal/proofs"
	"github.com/example/waste-dispatch/internal/storage"
	"github.com/example/waste-dispatch/internal/surge"
	"github.com/example/waste-dispatch/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", "err", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]func(context.Context) error{}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	checks["store"] = store.Ping

	var index geo.Geo = geo.NewIndex(cfg.IndexCellDeg)
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	var locations fleet.LocationPublisher
	var eventSink *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer lp.Close()
		locations = lp
		eventSink = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer eventSink.Close()
	}

	wsreg := notify.NewWSRegistry()
	notifier, closeNotifier := buildNotifier(ctx, cfg, wsreg, logger)
	defer closeNotifier()

	var gateway payments.Gateway = payments.Noop{}
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	var photos lifecycle.PhotoStore
	if cfg.S3Bucket != "" {
		s3store, err := proofs.NewS3Store(ctx, proofs.S3Config{
			Bucket:           cfg.S3Bucket,
			Region:           cfg.S3Region,
			AccessKeyID:      cfg.S3AccessKeyID,
			SecretAccessKey:  cfg.S3SecretAccessKey,
			CloudFrontDomain: cfg.S3CloudFrontDomain,
		})
		if err != nil {
			return err
		}
		photos = s3store
	}

	surgeCtl := surge.NewController(surge.Config{
		CellDeg:       cfg.SurgeCellDeg,
		Interval:      cfg.SurgeInterval,
		Validity:      cfg.SurgeValidity,
		Slope:         cfg.SurgeSlope,
		MaxMultiplier: cfg.SurgeMax,
	}, storage.Counter{Store: store}, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	disp := &dispatcher.Service{
		Store:    store,
		Geo:      index,
		ETA:      estimator,
		Bus:      bus,
		Notifier: notifier,
		Payments: gateway,
		Logger:   logger,
		Config: dispatcher.Config{
			RadiusM:        cfg.DispatchRadiusKm * 1000,
			CandidateLimit: cfg.CandidateLimit,
			MaxLocationAge: cfg.MaxLocationAge,
			CommissionRate: cfg.CommissionRate,
			PlatformFee:    cfg.PlatformFeeKES,
		},
	}
	life := &lifecycle.Service{Store: store, Bus: bus, Notifier: notifier, Payments: gateway, Photos: photos, Logger: logger}
	fl := &fleet.Service{Store: store, Geo: index, Locations: locations, Bus: bus, Logger: logger}
	in := &intake.Service{
		Store:        store,
		Pricing:      pricing.NewEngine(surgeCtl),
		Candidates:   disp,
		Canceller:    life,
		Bus:          bus,
		Notifier:     notifier,
		Logger:       logger,
		NotifyNearby: 3,
	}
	if cfg.GoogleMapsAPIKey != "" {
		in.Geocoder = intake.NewGoogleGeocoder(cfg.GoogleMapsAPIKey)
	}
	if rc != nil && cfg.IntakeDailyLimit > 0 {
		in.Limiter = intake.NewRedisLimiter(rc, cfg.IntakeDailyLimit)
	}

	if n, err := fl.Warm(ctx); err != nil {
		logger.Warn("geo index warm-up failed", "err", err)
	} else {
		logger.Info("geo index warmed", "collectors", n)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Intake:     in,
		Dispatcher: disp,
		Lifecycle:  life,
		Fleet:      fl,
		Surge:      surgeCtl,
		Bus:        bus,
		WS:         wsreg,
		Checks:     checks,
		JWTSecret:  []byte(cfg.JWTSecret),
	}, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	redispatch := &worker.Redispatcher{
		Store:      store,
		Dispatcher: disp,
		Bus:        bus,
		Notifier:   notifier,
		Logger:     logger,
		Config: worker.Config{
			Interval:       cfg.RedispatchInterval,
			PendingTimeout: cfg.PendingTimeout,
			AutoDispatch:   cfg.AutoDispatch,
			BatchSize:      200,
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("waste-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		surgeCtl.Run(gctx)
		return nil
	})
	g.Go(func() error {
		redispatch.Run(gctx)
		return nil
	})
	if eventSink != nil {
		sub := bus.Subscribe(1024, nil)
		g.Go(func() error {
			events.Forward(gctx, sub, eventSink, logger)
			return nil
		})
	}
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ps, err := storage.NewPostgresStore(pctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(pctx); err != nil {
			ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}

// buildNotifier fans out to every configured channel. A channel that fails
// to start is logged and left out. The returned func releases broker
// connections.
func buildNotifier(ctx context.Context, cfg config.ServerConfig, ws *notify.WSRegistry, logger *slog.Logger) (notify.Notifier, func()) {
	closeFn := func() {}
	channels := notify.Fanout{
		{Name: "log", Notifier: notify.Log{Logger: logger}},
		{Name: "ws", Notifier: ws},
	}
	if cfg.RabbitMQURL != "" {
		sms, err := notify.NewSMSQueue(cfg.RabbitMQURL, cfg.SMSQueue)
		if err != nil {
			logger.Warn("sms queue unavailable", "err", err)
		} else {
			channels = append(channels, notify.Channel{Name: "sms", Notifier: sms})
			closeFn = func() {
				if err := sms.Close(); err != nil {
					logger.Warn("sms queue close", "err", err)
				}
			}
		}
	}
	if cfg.FirebaseCredentialsFile != "" || cfg.FirebaseCredentialsBase64 != "" {
		fcm, err := notify.NewFCM(ctx, cfg.FirebaseCredentialsFile, cfg.FirebaseCredentialsBase64)
		if err != nil {
			logger.Warn("push notifications unavailable", "err", err)
		} else {
			channels = append(channels, notify.Channel{Name: "push", Notifier: fcm})
		}
	}
	if cfg.PushWebhookURL != "" {
		channels = append(channels, notify.Channel{Name: "webhook", Notifier: notify.NewWebhook(cfg.PushWebhookURL)})
	}
	return notify.NewAsync(channels, logger), closeFn
}
