package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP        HTTP        `envPrefix:"HTTP_"`
		Logger      Logger      `envPrefix:"LOGGER_"`
		Telemetry   Telemetry   `envPrefix:"TELEMETRY_"`
		Loader      Loader      `envPrefix:"LOADER_"`
		Cache       Cache       `envPrefix:"CACHE_"`
		Transport   Transport   `envPrefix:"TRANSPORT_"`
		Store       Store       `envPrefix:"STORE_"`
		DataSources DataSources `envPrefix:"DATA_SOURCES_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level    string `env:"LEVEL" envDefault:"info"`
		Encoding string `env:"ENCODING" envDefault:"console"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-tileloader"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Loader struct {
		MaxConcurrentLoads int           `env:"MAX_CONCURRENT_LOADS" envDefault:"6"`
		MaxRetries         int           `env:"MAX_RETRIES" envDefault:"3"`
		RetryDelay         time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
		MaxRetryDelay      time.Duration `env:"MAX_RETRY_DELAY" envDefault:"30s"`
		RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
		PrefetchRadius     int           `env:"PREFETCH_RADIUS" envDefault:"2"`
		MaxBackgroundTasks int           `env:"MAX_BACKGROUND_TASKS" envDefault:"256"`
		GlobeRadius        float64       `env:"GLOBE_RADIUS" envDefault:"0"`
		ValidatePayload    bool          `env:"VALIDATE_PAYLOAD" envDefault:"true"`
	}

	Cache struct {
		MaxTiles         int           `env:"MAX_TILES" envDefault:"512"`
		MaxMemoryBytes   int64         `env:"MAX_MEMORY_BYTES" envDefault:"268435456"`
		MaxAge           time.Duration `env:"MAX_AGE" envDefault:"0s"`
		EvictionInterval time.Duration `env:"EVICTION_INTERVAL" envDefault:"1m"`
	}

	Transport struct {
		MaxConcurrent int    `env:"MAX_CONCURRENT" envDefault:"16"`
		UserAgent     string `env:"USER_AGENT" envDefault:"GuideHelper/1.0 (https://github.com/jaennil/guide_helper)"`
		Referer       string `env:"REFERER" envDefault:""`
		MaxBodyBytes  int64  `env:"MAX_BODY_BYTES" envDefault:"16777216"`
	}

	Store struct {
		Type       string     `env:"TYPE" envDefault:"none"`
		SQLite     SQLite     `envPrefix:"SQLITE_"`
		Redis      Redis      `envPrefix:"REDIS_"`
		Filesystem Filesystem `envPrefix:"FILESYSTEM_"`
	}

	SQLite struct {
		DSN string `env:"DSN" envDefault:"file:tiles.db?cache=shared&mode=memory"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Filesystem struct {
		Dir string `env:"DIR" envDefault:"./tiles"`
	}

	DataSources struct {
		File    string            `env:"FILE" envDefault:""`
		Default DefaultDataSource `envPrefix:"DEFAULT_"`
	}

	DefaultDataSource struct {
		Name    string `env:"NAME" envDefault:"osm"`
		Type    string `env:"TYPE" envDefault:"xyz"`
		URL     string `env:"URL" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png"`
		Layer   string `env:"LAYER" envDefault:"base"`
		MinZoom int    `env:"MIN_ZOOM" envDefault:"0"`
		MaxZoom int    `env:"MAX_ZOOM" envDefault:"19"`
		Format  string `env:"FORMAT" envDefault:"png"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Redacted returns a copy of c that is safe to log.
func (c Config) Redacted() Config {
	if c.Store.Redis.Password != "" {
		c.Store.Redis.Password = "[REDACTED]"
	}
	return c
}
