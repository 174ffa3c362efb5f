package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by an optional YAML file (CONFIG_FILE) and then by
// environment variables, so the binary can run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisGeoKey   string `mapstructure:"redis_geo_key"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaTopic       string   `mapstructure:"kafka_topic"`
	KafkaEventsTopic string   `mapstructure:"kafka_events_topic"`

	PGDSN         string `mapstructure:"pg_dsn"`
	RunMigrations bool   `mapstructure:"migrate"`

	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`

	DispatchRadiusKm float64       `mapstructure:"dispatch_radius_km"`
	CandidateLimit   int           `mapstructure:"candidate_limit"`
	MaxLocationAge   time.Duration `mapstructure:"max_location_age"`
	IndexCellDeg     float64       `mapstructure:"index_cell_deg"`
	DefaultSpeedMps  float64       `mapstructure:"default_speed_mps"`
	OSRMEndpoint     string        `mapstructure:"osrm_endpoint"`
	ETACacheTTL      time.Duration `mapstructure:"eta_cache_ttl"`

	AutoDispatch       bool          `mapstructure:"auto_dispatch"`
	RedispatchInterval time.Duration `mapstructure:"redispatch_interval"`
	PendingTimeout     time.Duration `mapstructure:"pending_timeout"`

	SurgeCellDeg  float64       `mapstructure:"surge_cell_deg"`
	SurgeInterval time.Duration `mapstructure:"surge_interval"`
	SurgeValidity time.Duration `mapstructure:"surge_validity"`
	SurgeSlope    float64       `mapstructure:"surge_slope"`
	SurgeMax      float64       `mapstructure:"surge_max"`

	CommissionRate   float64 `mapstructure:"commission_rate"`
	PlatformFeeKES   int64   `mapstructure:"platform_fee_kes"`
	IntakeDailyLimit int     `mapstructure:"intake_daily_limit"`

	GoogleMapsAPIKey string `mapstructure:"google_maps_api_key"`

	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	SMSQueue    string `mapstructure:"sms_queue"`

	FirebaseCredentialsFile   string `mapstructure:"firebase_credentials_file"`
	FirebaseCredentialsBase64 string `mapstructure:"firebase_credentials_base64"`
	PushWebhookURL            string `mapstructure:"push_webhook_url"`

	S3Bucket           string `mapstructure:"s3_bucket"`
	S3Region           string `mapstructure:"s3_region"`
	S3AccessKeyID      string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey  string `mapstructure:"s3_secret_access_key"`
	S3CloudFrontDomain string `mapstructure:"s3_cloudfront_domain"`

	StripeAPIKey string `mapstructure:"stripe_api_key"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "collectors_geo",
		KafkaTopic:         "collector-locations",
		KafkaEventsTopic:   "collection-events",
		LogLevel:           "info",
		DispatchRadiusKm:   10,
		CandidateLimit:     20,
		MaxLocationAge:     10 * time.Minute,
		IndexCellDeg:       0.02,
		DefaultSpeedMps:    8,
		ETACacheTTL:        5 * time.Minute,
		AutoDispatch:       true,
		RedispatchInterval: 30 * time.Second,
		PendingTimeout:     10 * time.Minute,
		SurgeCellDeg:       0.05,
		SurgeInterval:      2 * time.Minute,
		SurgeValidity:      5 * time.Minute,
		SurgeSlope:         0.25,
		SurgeMax:           3.0,
		CommissionRate:     0.15,
		PlatformFeeKES:     20,
		SMSQueue:           "sms_jobs",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.MaxLocationAge, "DISPATCH_MAX_LOCATION_AGE", &errs)
	setFloatFromEnv(&cfg.IndexCellDeg, "INDEX_CELL_DEG", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DISPATCH_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setBoolFromEnv(&cfg.AutoDispatch, "AUTO_DISPATCH", &errs)
	setDurationFromEnv(&cfg.RedispatchInterval, "REDISPATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PendingTimeout, "PENDING_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.SurgeCellDeg, "SURGE_CELL_DEG", &errs)
	setDurationFromEnv(&cfg.SurgeInterval, "SURGE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SurgeValidity, "SURGE_VALIDITY", &errs)
	setFloatFromEnv(&cfg.SurgeSlope, "SURGE_SLOPE", &errs)
	setFloatFromEnv(&cfg.SurgeMax, "SURGE_MAX", &errs)

	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	setInt64FromEnv(&cfg.PlatformFeeKES, "PLATFORM_FEE_KES", &errs)
	setIntFromEnv(&cfg.IntakeDailyLimit, "INTAKE_DAILY_LIMIT", &errs)

	setStringFromEnv(&cfg.GoogleMapsAPIKey, "GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.RabbitMQURL, "RABBITMQ_URL")
	setStringFromEnv(&cfg.SMSQueue, "SMS_QUEUE")
	setStringFromEnv(&cfg.FirebaseCredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.FirebaseCredentialsBase64, "FIREBASE_CREDENTIALS_BASE64")
	setStringFromEnv(&cfg.PushWebhookURL, "PUSH_WEBHOOK_URL")

	setStringFromEnv(&cfg.S3Bucket, "S3_BUCKET")
	setStringFromEnv(&cfg.S3Region, "S3_REGION")
	setStringFromEnv(&cfg.S3AccessKeyID, "S3_ACCESS_KEY_ID")
	setStringFromEnv(&cfg.S3SecretAccessKey, "S3_SECRET_ACCESS_KEY")
	setStringFromEnv(&cfg.S3CloudFrontDomain, "S3_CLOUDFRONT_DOMAIN")

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if c.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if c.PendingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PENDING_TIMEOUT must be > 0"))
	}
	if c.SurgeMax < 1 {
		errs = append(errs, fmt.Errorf("SURGE_MAX must be >= 1"))
	}
	if c.SurgeCellDeg <= 0 || c.IndexCellDeg <= 0 {
		errs = append(errs, fmt.Errorf("grid cell sizes must be > 0"))
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in [0, 1)"))
	}
	if c.PlatformFeeKES < 0 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_KES must be >= 0"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	return errs
}

// loadFile overlays values present in a YAML file onto cfg.
func loadFile(path string, cfg *ServerConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the location consumer that keeps the Redis geo
// index in step with the collector-locations topic.
type ConsumerConfig struct {
	MetricsAddr    string
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	LogLevel       string
	MaxLocationAge time.Duration
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "collector-locations",
		KafkaGroup:     "waste-dispatch-consumer",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "collectors_geo",
		LogLevel:       "info",
		MaxLocationAge: 10 * time.Minute,
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setDurationFromEnv(&cfg.MaxLocationAge, "DISPATCH_MAX_LOCATION_AGE", &errs)
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}
