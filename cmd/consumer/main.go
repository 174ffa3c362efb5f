package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/waste-dispatch/internal/config"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/retry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total collector location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Total location fixes dropped for age",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	h := &handler{geo: index, policy: retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}, maxAge: cfg.MaxLocationAge, now: time.Now, logger: logger}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()
		h.handle(ctx, m.Value)
	}
}

var (
	errInvalid = errors.New("invalid location update")
	errStale   = errors.New("stale location update")
)

type handler struct {
	geo    geo.Geo
	policy retry.Policy
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// decodeUpdate parses and checks one message.
func decodeUpdate(raw []byte) (ingest.LocationUpdate, error) {
	var u ingest.LocationUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("%w: %v", errInvalid, err)
	}
	switch {
	case u.CollectorID == "":
		return u, fmt.Errorf("%w: missing collector_id", errInvalid)
	case u.Lat < -90 || u.Lat > 90 || u.Lon < -180 || u.Lon > 180:
		return u, fmt.Errorf("%w: coordinates out of range", errInvalid)
	}
	return u, nil
}

func (h *handler) handle(ctx context.Context, raw []byte) {
	u, err := decodeUpdate(raw)
	if err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "err", err)
		return
	}
	if h.maxAge > 0 && !u.At.IsZero() && h.now().Sub(u.At) > h.maxAge {
		msgsStale.Inc()
		return
	}
	if err := updateGeoWithRetry(ctx, h.geo, u, h.policy); err != nil {
		redisErrors.Inc()
		h.logger.Error("geo update failed", "collector_id", u.CollectorID, "err", err)
		return
	}
	redisUpdates.Inc()
}

// updateGeoWithRetry writes the fix with bounded backoff.
func updateGeoWithRetry(ctx context.Context, g geo.Geo, u ingest.LocationUpdate, p retry.Policy) error {
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return g.Upsert(ctx, u.CollectorID, models.Coord{Lat: u.Lat, Lon: u.Lon})
	})
}
