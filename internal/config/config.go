// Package config loads service configuration from the environment.
//
// Every daemon builds exactly one Config at startup and passes it (or
// the relevant slice of it) explicitly into components. There are no
// hidden globals.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full environment-driven configuration.
type Config struct {
	Version string

	// AMQP broker.
	AMQPHost     string
	AMQPPort     int
	AMQPUser     string
	AMQPPassword string

	// Elasticsearch.
	ElasticsearchHosts []string
	IndexPrefix        string

	// Lazo sketch service.
	LazoHost string
	LazoPort int

	// Object store (S3-compatible).
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3BucketPrefix string
	S3Secure       bool

	// Redis (sessions, profile tokens).
	RedisAddr string

	// Admin-area gazetteer (Postgres) and geocoder; both optional.
	GazetteerDSN string
	GeocoderURL  string

	// Cache.
	CacheDir      string
	MaxCacheBytes int64

	// Profiling limits.
	MaxConcurrentDownload int
	MaxConcurrentProfile  int
	LoadMaxSize           int64
	MaxDownloadBytes      int64

	// HTTP server.
	ListenAddr string

	// Metrics.
	MetricsBackend string
	MetricsTags    string
}

// Load reads configuration from the environment with defaults. Missing
// required settings are reported together so a misconfigured deployment
// fails with one actionable message.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("DATAMART_VERSION", "dev")
	v.SetDefault("AMQP_HOST", "localhost")
	v.SetDefault("AMQP_PORT", 5672)
	v.SetDefault("AMQP_USER", "guest")
	v.SetDefault("AMQP_PASSWORD", "guest")
	v.SetDefault("ELASTICSEARCH_HOSTS", "http://localhost:9200")
	v.SetDefault("ELASTICSEARCH_PREFIX", "")
	v.SetDefault("LAZO_SERVER_HOST", "localhost")
	v.SetDefault("LAZO_SERVER_PORT", 15449)
	v.SetDefault("S3_URL", "")
	v.SetDefault("S3_KEY", "")
	v.SetDefault("S3_SECRET", "")
	v.SetDefault("S3_BUCKET_PREFIX", "auctus-")
	v.SetDefault("S3_SECURE", false)
	v.SetDefault("REDIS_HOST", "localhost:6379")
	v.SetDefault("GAZETTEER_DSN", "")
	v.SetDefault("NOMINATIM_URL", "")
	v.SetDefault("CACHE_DIR", "/cache")
	v.SetDefault("MAX_CACHE_BYTES", int64(100)<<30)
	v.SetDefault("MAX_CONCURRENT_DOWNLOAD", 2)
	v.SetDefault("MAX_CONCURRENT_PROFILE", 1)
	v.SetDefault("LOAD_MAX_SIZE", int64(50)<<20)
	v.SetDefault("MAX_DOWNLOAD_BYTES", int64(10)<<30)
	v.SetDefault("LISTEN_ADDR", ":8002")
	v.SetDefault("METRICS_BACKEND", "none")
	v.SetDefault("METRICS_TAGS", "")

	cfg := Config{
		Version:      v.GetString("DATAMART_VERSION"),
		AMQPHost:     v.GetString("AMQP_HOST"),
		AMQPPort:     v.GetInt("AMQP_PORT"),
		AMQPUser:     v.GetString("AMQP_USER"),
		AMQPPassword: v.GetString("AMQP_PASSWORD"),

		ElasticsearchHosts: splitHosts(v.GetString("ELASTICSEARCH_HOSTS")),
		IndexPrefix:        v.GetString("ELASTICSEARCH_PREFIX"),

		LazoHost: v.GetString("LAZO_SERVER_HOST"),
		LazoPort: v.GetInt("LAZO_SERVER_PORT"),

		S3Endpoint:     v.GetString("S3_URL"),
		S3AccessKey:    v.GetString("S3_KEY"),
		S3SecretKey:    v.GetString("S3_SECRET"),
		S3BucketPrefix: v.GetString("S3_BUCKET_PREFIX"),
		S3Secure:       v.GetBool("S3_SECURE"),

		RedisAddr: v.GetString("REDIS_HOST"),

		GazetteerDSN: v.GetString("GAZETTEER_DSN"),
		GeocoderURL:  v.GetString("NOMINATIM_URL"),

		CacheDir:      v.GetString("CACHE_DIR"),
		MaxCacheBytes: v.GetInt64("MAX_CACHE_BYTES"),

		MaxConcurrentDownload: v.GetInt("MAX_CONCURRENT_DOWNLOAD"),
		MaxConcurrentProfile:  v.GetInt("MAX_CONCURRENT_PROFILE"),
		LoadMaxSize:           v.GetInt64("LOAD_MAX_SIZE"),
		MaxDownloadBytes:      v.GetInt64("MAX_DOWNLOAD_BYTES"),

		ListenAddr: v.GetString("LISTEN_ADDR"),

		MetricsBackend: v.GetString("METRICS_BACKEND"),
		MetricsTags:    v.GetString("METRICS_TAGS"),
	}

	var problems []string
	if len(cfg.ElasticsearchHosts) == 0 {
		problems = append(problems, "ELASTICSEARCH_HOSTS must not be empty")
	}
	if cfg.MaxConcurrentDownload < 1 {
		problems = append(problems, "MAX_CONCURRENT_DOWNLOAD must be >= 1")
	}
	if cfg.MaxConcurrentProfile < 1 {
		problems = append(problems, "MAX_CONCURRENT_PROFILE must be >= 1")
	}
	if cfg.MaxCacheBytes <= 0 {
		problems = append(problems, "MAX_CACHE_BYTES must be > 0")
	}
	if len(problems) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// AMQPURL renders the broker connection URL.
func (c Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.AMQPUser, c.AMQPPassword, c.AMQPHost, c.AMQPPort)
}

// LazoURL renders the sketch service base URL.
func (c Config) LazoURL() string {
	return fmt.Sprintf("http://%s:%d", c.LazoHost, c.LazoPort)
}

func splitHosts(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
