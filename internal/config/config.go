package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// Config holds all service settings, populated from environment variables.
// It is built once at startup and passed by pointer; nothing mutates it afterwards.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	DatabaseURL string

	// Scheduler configuration. A zero interval disables the job kind.
	ForecastInterval  time.Duration
	WarningInterval   time.Duration
	ShapefileInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RunImmediately    bool
	SchedulerTick     time.Duration
	RunRepairGrace    time.Duration

	// Upstream scraping configuration.
	ScrapeAllDepartments bool
	Departments          []string
	ScrapeDelay          time.Duration
	RequestTimeout       time.Duration
	UserAgent            string
	ForecastURL          string
	WarningsAPI          string
	GeoserverURL         string

	// Geometry synchronization.
	GeometryEnabled     bool
	ArchiveDir          string
	ArchiveRetention    time.Duration
	DownloadConcurrency int

	// Optional redis archive cache, used instead of ArchiveDir when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional warning event stream.
	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaWarningTopic string

	CoordinatesFile string

	// Optional Mapbox geocoding for locations missing from the catalog.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	forecastInterval, err := parseHours("FORECAST_INTERVAL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	warningInterval, err := parseHours("WARNING_INTERVAL_HOURS", 6)
	if err != nil {
		return nil, err
	}
	shapefileInterval, err := parseHours("SHAPEFILE_INTERVAL_HOURS", 6)
	if err != nil {
		return nil, err
	}
	maxRetries, err := parsePositiveInt("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	retryDelay, err := parseSeconds("RETRY_DELAY_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	scrapeDelay, err := parseSeconds("SCRAPE_DELAY_SECONDS", 2.0)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := parseSeconds("REQUEST_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	if requestTimeout <= 0 {
		return nil, errors.New("invalid REQUEST_TIMEOUT_SECONDS")
	}
	tick, err := parseDuration("SCHEDULER_TICK", "5s")
	if err != nil {
		return nil, err
	}
	if tick <= 0 {
		return nil, errors.New("invalid SCHEDULER_TICK")
	}
	repairGrace, err := parseDuration("RUN_REPAIR_GRACE", "0s")
	if err != nil {
		return nil, err
	}
	retention, err := parseDuration("ARCHIVE_RETENTION", "720h")
	if err != nil {
		return nil, err
	}
	concurrency, err := parsePositiveInt("DOWNLOAD_CONCURRENCY", 3)
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	mapboxCacheSize, err := parsePositiveInt("MAPBOX_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	mapboxToken := os.Getenv("MAPBOX_TOKEN")

	redisDB, err := strconv.Atoi(sharedcfg.EnvOrDefault("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		return nil, errors.New("invalid REDIS_DB")
	}

	departments := splitList(sharedcfg.EnvOrDefault("DEPARTMENTS", "LIMA"))
	for i, d := range departments {
		if _, ok := domain.DepartmentCode(d); !ok {
			return nil, fmt.Errorf("invalid DEPARTMENTS: unknown department %q", d)
		}
		departments[i] = domain.NormalizeDepartment(d)
	}

	var brokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     splitList(sharedcfg.EnvOrDefault("CORS_ORIGINS", "*")),

		DatabaseURL: sharedcfg.EnvOrDefault("DATABASE_URL", "sqlite://data/weather.db"),

		ForecastInterval:  forecastInterval,
		WarningInterval:   warningInterval,
		ShapefileInterval: shapefileInterval,
		MaxRetries:        maxRetries,
		RetryDelay:        retryDelay,
		RunImmediately:    parseBool("RUN_IMMEDIATELY", true),
		SchedulerTick:     tick,
		RunRepairGrace:    repairGrace,

		ScrapeAllDepartments: parseBool("SCRAPE_ALL_DEPARTMENTS", true),
		Departments:          departments,
		ScrapeDelay:          scrapeDelay,
		RequestTimeout:       requestTimeout,
		UserAgent:            sharedcfg.EnvOrDefault("USER_AGENT", "SENAMHI-Tracker/0.1.0"),
		ForecastURL:          sharedcfg.EnvOrDefault("SENAMHI_FORECAST_URL", "https://www.senamhi.gob.pe/?p=pronostico-meteorologico"),
		WarningsAPI:          sharedcfg.EnvOrDefault("SENAMHI_WARNINGS_API", "https://www.senamhi.gob.pe/app_senamhi/sisper/api/avisoMeteoroCabEmergencia"),
		GeoserverURL:         sharedcfg.EnvOrDefault("SENAMHI_GEOSERVER_URL", "https://idesep.senamhi.gob.pe/geoserver/g_aviso/ows"),

		GeometryEnabled:     parseBool("GEOMETRY_ENABLED", true),
		ArchiveDir:          sharedcfg.EnvOrDefault("ARCHIVE_DIR", "data/shapefiles"),
		ArchiveRetention:    retention,
		DownloadConcurrency: concurrency,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		KafkaEnabled:      len(brokers) > 0,
		KafkaBrokers:      brokers,
		KafkaWarningTopic: sharedcfg.EnvOrDefault("KAFKA_WARNING_TOPIC", "senamhi-warnings"),

		CoordinatesFile: sharedcfg.EnvOrDefault("COORDINATES_FILE", "config/coordinates.yaml"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   parseBool("MAPBOX_ENABLED", mapboxToken != ""),
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: mapboxCacheSize,
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if !cfg.ScrapeAllDepartments && len(cfg.Departments) == 0 {
		return nil, errors.New("DEPARTMENTS is required when SCRAPE_ALL_DEPARTMENTS is false")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaWarningTopic == "" {
		return nil, errors.New("KAFKA_WARNING_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// SelectedDepartments resolves the configured department selection.
func (c *Config) SelectedDepartments() []string {
	if c.ScrapeAllDepartments {
		return domain.Departments()
	}
	return append([]string(nil), c.Departments...)
}

// IntervalFor returns the configured cadence of a job kind.
func (c *Config) IntervalFor(kind domain.JobKind) time.Duration {
	switch kind {
	case domain.JobForecast:
		return c.ForecastInterval
	case domain.JobWarning:
		return c.WarningInterval
	case domain.JobShapefile:
		if !c.GeometryEnabled {
			return 0
		}
		return c.ShapefileInterval
	default:
		return 0
	}
}

func parseHours(key string, def int) (time.Duration, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(n) * time.Hour, nil
}

func parseSeconds(key string, def float64) (time.Duration, error) {
	f, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(key, strconv.FormatFloat(def, 'f', -1, 64)), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
