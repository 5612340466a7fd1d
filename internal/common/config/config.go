package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Database     DatabaseConfig
	GTFSStatic   GTFSStaticConfig
	GTFSRealtime GTFSRealtimeConfig
	Feed         FeedConfig
	Reliability  ReliabilityConfig
	Planner      PlannerConfig
	Geocoder     GeocoderConfig
	HTTP         HTTPConfig
	NATS         NATSConfig
	Maintenance  MaintenanceConfig
	Metrics      MetricsConfig
	Logging      LoggingConfig
}

type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite postgres pgx"`
	DSN    string `validate:"required"`
}

// GTFSStaticConfig for the static schedule archive
type GTFSStaticConfig struct {
	URL           string        `validate:"omitempty,url"`
	CheckInterval time.Duration `validate:"gt=0"`
	MaxAge        time.Duration `validate:"gt=0"`
	DownloadDir   string        `validate:"required"`
	// SkipStopTimes leaves the stop-times table empty to save memory; stop
	// to route lookups then go through the live feed.
	SkipStopTimes bool
}

// GTFSRealtimeConfig for live vehicle tracking
type GTFSRealtimeConfig struct {
	VehiclePositionsURL string        `validate:"omitempty,url"`
	APIKeyHeader        string
	BaseInterval        time.Duration `validate:"gt=0"`
	MinInterval         time.Duration `validate:"gt=0,ltefield=BaseInterval"`
	MaxInterval         time.Duration `validate:"gtefield=BaseInterval"`
	SampleStops         int           `validate:"gte=1,lte=3"`
}

// FeedConfig for the REST arrivals feed. APIKey may be empty here; the
// client reports it at the first call.
type FeedConfig struct {
	BaseURL           string `validate:"omitempty,url"`
	APIKey            string
	AgencyID          string        `validate:"required"`
	Timeout           time.Duration `validate:"gt=0"`
	RequestsPerMinute int           `validate:"gte=1"`
	MaxAttempts       int           `validate:"gte=1,lte=10"`
	BaseDelay         time.Duration `validate:"gt=0"`
	StopSpacing       time.Duration `validate:"gte=0"`
	ArrivalsTTL       time.Duration `validate:"gt=0"`
	TrackedTTL        time.Duration `validate:"gt=0"`
	MinutesBefore     int           `validate:"gte=0"`
	MinutesAfter      int           `validate:"gte=0"`
}

type ReliabilityConfig struct {
	SeedFile      string
	Timezone      string        `validate:"required"`
	FlushInterval time.Duration `validate:"gt=0"`
}

type PlannerConfig struct {
	MaxWalkMeters float64 `validate:"gt=0"`
	MaxResults    int     `validate:"gte=1"`
}

type GeocoderConfig struct {
	URL       string `validate:"omitempty,url"`
	UserAgent string
	CacheSize int           `validate:"gte=1"`
	CacheTTL  time.Duration `validate:"gt=0"`
}

type HTTPConfig struct {
	Addr        string `validate:"required"`
	CORSOrigins []string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string `validate:"required"`
}

type MaintenanceConfig struct {
	SweepInterval time.Duration `validate:"gt=0"`
}

type MetricsConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level             string `validate:"oneof=debug info warn warning error fatal disabled"`
	FilePath          string
	DiscordWebhookURL string `validate:"omitempty,url"`
}

// Load reads the environment, after merging an optional .env file, and
// validates the result.
func Load() (*Config, error) {
	// a missing .env file is normal outside development
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			DSN:    getEnv("DB_DSN", "tripcore.db"),
		},
		GTFSStatic: GTFSStaticConfig{
			URL:           getEnv("GTFS_STATIC_URL", ""),
			CheckInterval: getDurationEnv("GTFS_STATIC_CHECK_INTERVAL", 30*time.Minute),
			MaxAge:        getDurationEnv("GTFS_STATIC_MAX_AGE", 24*time.Hour),
			DownloadDir:   getEnv("GTFS_STATIC_DOWNLOAD_DIR", os.TempDir()),
			SkipStopTimes: getBoolEnv("GTFS_STATIC_SKIP_STOP_TIMES", false),
		},
		GTFSRealtime: GTFSRealtimeConfig{
			VehiclePositionsURL: getEnv("GTFS_RT_VEHICLE_POSITIONS_URL", ""),
			APIKeyHeader:        getEnv("GTFS_RT_API_KEY_HEADER", ""),
			BaseInterval:        getDurationEnv("GTFS_RT_POLLING_INTERVAL", 15*time.Second),
			MinInterval:         getDurationEnv("GTFS_RT_MIN_INTERVAL", 5*time.Second),
			MaxInterval:         getDurationEnv("GTFS_RT_MAX_INTERVAL", 2*time.Minute),
			SampleStops:         getIntEnv("GTFS_RT_SAMPLE_STOPS", 3),
		},
		Feed: FeedConfig{
			BaseURL:           getEnv("FEED_BASE_URL", "https://api.pugetsound.onebusaway.org"),
			APIKey:            getEnv("FEED_API_KEY", ""),
			AgencyID:          getEnv("FEED_AGENCY_ID", "1"),
			Timeout:           getDurationEnv("FEED_TIMEOUT", 10*time.Second),
			RequestsPerMinute: getIntEnv("FEED_REQUESTS_PER_MINUTE", 60),
			MaxAttempts:       getIntEnv("FEED_MAX_ATTEMPTS", 3),
			BaseDelay:         getDurationEnv("FEED_RETRY_BASE_DELAY", time.Second),
			StopSpacing:       getDurationEnv("FEED_STOP_SPACING", 100*time.Millisecond),
			ArrivalsTTL:       getDurationEnv("FEED_ARRIVALS_TTL", 15*time.Second),
			TrackedTTL:        getDurationEnv("FEED_TRACKED_TTL", 5*time.Second),
			MinutesBefore:     getIntEnv("FEED_MINUTES_BEFORE", 5),
			MinutesAfter:      getIntEnv("FEED_MINUTES_AFTER", 60),
		},
		Reliability: ReliabilityConfig{
			SeedFile:      getEnv("RELIABILITY_SEED_FILE", ""),
			Timezone:      getEnv("TRANSIT_TIMEZONE", "Local"),
			FlushInterval: getDurationEnv("RELIABILITY_FLUSH_INTERVAL", time.Minute),
		},
		Planner: PlannerConfig{
			MaxWalkMeters: getFloatEnv("PLANNER_MAX_WALK_METERS", 800),
			MaxResults:    getIntEnv("PLANNER_MAX_RESULTS", 5),
		},
		Geocoder: GeocoderConfig{
			URL:       getEnv("GEOCODER_URL", ""),
			UserAgent: getEnv("GEOCODER_USER_AGENT", "tripcore/1.0"),
			CacheSize: getIntEnv("GEOCODER_CACHE_SIZE", 1000),
			CacheTTL:  getDurationEnv("GEOCODER_CACHE_TTL", 24*time.Hour),
		},
		HTTP: HTTPConfig{
			Addr:        getEnv("HTTP_ADDR", ":8080"),
			CORSOrigins: getListEnv("HTTP_CORS_ORIGINS", []string{"*"}),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "vehicles"),
		},
		Maintenance: MaintenanceConfig{
			SweepInterval: getDurationEnv("MAINTENANCE_SWEEP_INTERVAL", time.Minute),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		Logging: LoggingConfig{
			Level:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
			FilePath:          getEnv("LOG_FILE", ""),
			DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags on every section.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Location resolves the reliability timezone.
func (c *ReliabilityConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
