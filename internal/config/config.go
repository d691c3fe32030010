package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"

	"tourplan/internal/model"
)

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Chain step names accepted in Optimizer.Chain.
const (
	StepVROOM = "vroom"
	StepOSRM  = "osrm"
	StepLocal = "local"
)

const (
	PolicyStrict = "strict"
	PolicyScored = "scored"
)

type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	OSRM      OSRMConfig
	VROOM     VROOMConfig
	TomTom    TomTomConfig
	Optimizer OptimizerConfig
	Dispatch  DispatchConfig
	Webhook   WebhookConfig

	location *time.Location
}

// Load reads the environment, then overlays the optional planning profile.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if path := strings.TrimSpace(cfg.App.ProfileFile); path != "" {
		if err := cfg.applyProfileFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TOURPLAN_APP_ENV" default:"dev"`
	Port         string `envconfig:"TOURPLAN_PORT" default:"8080"`
	LogLevel     string `envconfig:"TOURPLAN_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"TOURPLAN_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"TOURPLAN_LOG_WARN_STACK" default:"false"`
	Timezone     string `envconfig:"TOURPLAN_TIMEZONE" default:"Europe/Paris"`
	ProfileFile  string `envconfig:"TOURPLAN_PROFILE_FILE"`
}

func (a AppConfig) IsProd() bool { return strings.EqualFold(a.Env, AppEnvProd) }

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `envconfig:"TOURPLAN_HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	RequestTimeout    time.Duration `envconfig:"TOURPLAN_HTTP_REQUEST_TIMEOUT" default:"60s"`
	RateLimitPerMin   int           `envconfig:"TOURPLAN_HTTP_RATE_LIMIT_PER_MIN" default:"120"`
}

type DBConfig struct {
	URL         string `envconfig:"TOURPLAN_DATABASE_URL"`
	AutoMigrate bool   `envconfig:"TOURPLAN_DB_AUTO_MIGRATE" default:"true"`
	MaxOpenConn int    `envconfig:"TOURPLAN_DB_MAX_OPEN_CONNS" default:"10"`
}

type RedisConfig struct {
	URL string `envconfig:"TOURPLAN_REDIS_URL"`
}

type OSRMConfig struct {
	BaseURL string        `envconfig:"TOURPLAN_OSRM_URL" default:"https://router.project-osrm.org"`
	Profile string        `envconfig:"TOURPLAN_OSRM_PROFILE" default:"driving"`
	Timeout time.Duration `envconfig:"TOURPLAN_OSRM_TIMEOUT" default:"10s"`
	RPS     float64       `envconfig:"TOURPLAN_OSRM_RPS" default:"0"`
}

type VROOMConfig struct {
	BaseURL string        `envconfig:"TOURPLAN_VROOM_URL"`
	Timeout time.Duration `envconfig:"TOURPLAN_VROOM_TIMEOUT" default:"20s"`
}

func (v VROOMConfig) Enabled() bool { return strings.TrimSpace(v.BaseURL) != "" }

type TomTomConfig struct {
	BaseURL string        `envconfig:"TOURPLAN_TOMTOM_URL" default:"https://api.tomtom.com"`
	APIKey  string        `envconfig:"TOURPLAN_TOMTOM_API_KEY"`
	Timeout time.Duration `envconfig:"TOURPLAN_TOMTOM_TIMEOUT" default:"10s"`
	RPS     float64       `envconfig:"TOURPLAN_TOMTOM_RPS" default:"5"`
	Burst   int           `envconfig:"TOURPLAN_TOMTOM_BURST" default:"5"`
}

func (t TomTomConfig) Enabled() bool { return strings.TrimSpace(t.APIKey) != "" }

type OptimizerConfig struct {
	Chain            []string        `envconfig:"TOURPLAN_OPTIMIZER_CHAIN" default:"vroom,osrm"`
	DefaultStart     model.TimeOfDay `envconfig:"TOURPLAN_DEFAULT_START" default:"08:00"`
	FallbackSpeedKph float64         `envconfig:"TOURPLAN_FALLBACK_SPEED_KPH" default:"40"`
	LocalIterations  int             `envconfig:"TOURPLAN_LOCAL_2OPT_ITERATIONS" default:"50"`
	RunTimeout       time.Duration   `envconfig:"TOURPLAN_OPTIMIZE_TIMEOUT" default:"2m"`
}

type DispatchConfig struct {
	Policy         string        `envconfig:"TOURPLAN_DISPATCH_POLICY" default:"strict"`
	Timeout        time.Duration `envconfig:"TOURPLAN_DISPATCH_TIMEOUT" default:"2m"`
	LoadWeight     float64       `envconfig:"TOURPLAN_DISPATCH_LOAD_WEIGHT" default:"1"`
	DistanceWeight float64       `envconfig:"TOURPLAN_DISPATCH_DISTANCE_WEIGHT" default:"0.5"`
	DurationWeight float64       `envconfig:"TOURPLAN_DISPATCH_DURATION_WEIGHT" default:"0.25"`
}

// WebhookConfig targets the optional outbound event webhook.
type WebhookConfig struct {
	URL         string        `envconfig:"TOURPLAN_EVENTS_WEBHOOK_URL"`
	Secret      string        `envconfig:"TOURPLAN_EVENTS_WEBHOOK_SECRET"`
	Timeout     time.Duration `envconfig:"TOURPLAN_EVENTS_WEBHOOK_TIMEOUT" default:"5s"`
	MaxAttempts int           `envconfig:"TOURPLAN_EVENTS_WEBHOOK_MAX_ATTEMPTS" default:"5"`
	QueueSize   int           `envconfig:"TOURPLAN_EVENTS_WEBHOOK_QUEUE" default:"256"`
}

func (w WebhookConfig) Enabled() bool { return strings.TrimSpace(w.URL) != "" }

// Location is the zone tour dates and time windows are interpreted in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}
	c.location = loc

	if len(c.Optimizer.Chain) == 0 {
		return fmt.Errorf("optimizer chain is empty")
	}
	seen := map[string]bool{}
	for i, step := range c.Optimizer.Chain {
		step = strings.ToLower(strings.TrimSpace(step))
		switch step {
		case StepVROOM, StepOSRM, StepLocal:
		default:
			return fmt.Errorf("unknown optimizer step %q", step)
		}
		if seen[step] {
			return fmt.Errorf("optimizer step %q listed twice", step)
		}
		seen[step] = true
		c.Optimizer.Chain[i] = step
	}
	if c.Optimizer.FallbackSpeedKph <= 0 {
		return fmt.Errorf("fallback speed must be positive")
	}

	switch c.Dispatch.Policy {
	case PolicyStrict, PolicyScored:
	default:
		return fmt.Errorf("unknown dispatch policy %q", c.Dispatch.Policy)
	}
	if c.Dispatch.LoadWeight < 0 || c.Dispatch.DistanceWeight < 0 || c.Dispatch.DurationWeight < 0 {
		return fmt.Errorf("dispatch weights must be >= 0")
	}
	return nil
}

// Explicitly set variables win over the profile file.
var lookupEnv = os.LookupEnv
