// mediaconv/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Placeholders understood by the conversion argument template.
const (
	PlaceholderSource = "{source}"
	PlaceholderOutput = "{output}"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	BaseURL     string   `mapstructure:"BASE"`
	AuthEnable  bool     `mapstructure:"AUTH_ENABLE"`
	AuthKey     string   `mapstructure:"AUTH_KEY"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Submissions allowed per client IP within SubmitRateWindow. Zero disables.
	SubmitRateLimit  int           `mapstructure:"SUBMIT_RATE_LIMIT"`
	SubmitRateWindow time.Duration `mapstructure:"SUBMIT_RATE_WINDOW"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	ConvertBin  string `mapstructure:"CONVERT_BIN"`
	ConvertArgs string `mapstructure:"CONVERT_ARGS"`

	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	JobTimeout     time.Duration `mapstructure:"JOB_TIMEOUT"`
	KillGrace      time.Duration `mapstructure:"KILL_GRACE"`
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
	ResourceGrace  time.Duration `mapstructure:"RESOURCE_GRACE"`
	CPULimit       float64       `mapstructure:"CPU_LIMIT"`
	MemLimit       float64       `mapstructure:"MEM_LIMIT"`

	MinFreeDisk    int64    `mapstructure:"MIN_FREE_DISK"`
	OutputDir      string   `mapstructure:"OUTPUT_DIR"`
	AllowedFormats []string `mapstructure:"ALLOWED_FORMATS"`

	JobRetention        time.Duration `mapstructure:"JOB_RETENTION"`
	MaintenanceInterval time.Duration `mapstructure:"MAINTENANCE_INTERVAL"`

	DBDriver string `mapstructure:"DB_DRIVER"`
	DBDSN    string `mapstructure:"DB_DSN"`

	LogMaxLines      int           `mapstructure:"LOG_MAX_LINES"`
	LogFlushInterval time.Duration `mapstructure:"LOG_FLUSH_INTERVAL"`

	PersistRetries int           `mapstructure:"PERSIST_RETRIES"`
	PersistBackoff time.Duration `mapstructure:"PERSIST_BACKOFF"`

	WebhookURL   string `mapstructure:"WEBHOOK_URL"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	RedisChannel string `mapstructure:"REDIS_CHANNEL"`
}

// stringToDurationHookFunc parses Go duration strings ("90s", "2h").
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes ("1GB") into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let the default decoder have it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("CORS_ORIGINS", "")
	vp.SetDefault("SUBMIT_RATE_LIMIT", 5)
	vp.SetDefault("SUBMIT_RATE_WINDOW", "1m")

	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "text")

	vp.SetDefault("CONVERT_BIN", "ffmpeg")
	vp.SetDefault("CONVERT_ARGS", "-hide_banner -nostdin -y -i {source} {output}")

	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("JOB_TIMEOUT", "2h")
	vp.SetDefault("KILL_GRACE", "10s")
	vp.SetDefault("POLL_INTERVAL", "2s")
	vp.SetDefault("RESOURCE_GRACE", "10s")
	vp.SetDefault("CPU_LIMIT", 90.0)
	vp.SetDefault("MEM_LIMIT", 80.0)

	vp.SetDefault("MIN_FREE_DISK", "1GB")
	vp.SetDefault("OUTPUT_DIR", "./media")
	vp.SetDefault("ALLOWED_FORMATS", "mp4,mov,mkv,webm,avi")

	vp.SetDefault("JOB_RETENTION", "720h")
	vp.SetDefault("MAINTENANCE_INTERVAL", "24h")

	vp.SetDefault("DB_DRIVER", "sqlite")
	vp.SetDefault("DB_DSN", "mediaconv.db")

	vp.SetDefault("LOG_MAX_LINES", 1000)
	vp.SetDefault("LOG_FLUSH_INTERVAL", "1s")

	vp.SetDefault("PERSIST_RETRIES", 3)
	vp.SetDefault("PERSIST_BACKOFF", "200ms")

	vp.SetDefault("WEBHOOK_URL", "")
	vp.SetDefault("REDIS_ADDR", "")
	vp.SetDefault("REDIS_CHANNEL", "mediaconv:events")
}

func Load() (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	vp.SetConfigName("mediaconv_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediaconv/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	vp.SetEnvPrefix("MEDIACONV")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// First matching hook wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.AllowedFormats = cleanList(c.AllowedFormats, true)
	c.CORSOrigins = cleanList(c.CORSOrigins, false)
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
}

func cleanList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks values the rest of the program relies on.
func (c *Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive, got %d", c.MaxConcurrency)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("KILL_GRACE must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ResourceGrace < 0 {
		return fmt.Errorf("RESOURCE_GRACE cannot be negative")
	}
	if strings.TrimSpace(c.ConvertBin) == "" {
		return fmt.Errorf("CONVERT_BIN is required")
	}
	if !strings.Contains(c.ConvertArgs, PlaceholderSource) || !strings.Contains(c.ConvertArgs, PlaceholderOutput) {
		return fmt.Errorf("CONVERT_ARGS must contain %s and %s", PlaceholderSource, PlaceholderOutput)
	}
	if len(c.AllowedFormats) == 0 {
		return fmt.Errorf("ALLOWED_FORMATS cannot be empty")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (expected sqlite or postgres)", c.DBDriver)
	}
	if c.SubmitRateLimit < 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT cannot be negative")
	}
	if c.SubmitRateLimit > 0 && c.SubmitRateWindow <= 0 {
		return fmt.Errorf("SUBMIT_RATE_WINDOW must be positive when SUBMIT_RATE_LIMIT is set")
	}
	if c.LogMaxLines <= 0 {
		return fmt.Errorf("LOG_MAX_LINES must be positive")
	}
	if c.PersistRetries <= 0 {
		return fmt.Errorf("PERSIST_RETRIES must be positive")
	}
	if c.AuthEnable && c.AuthKey == "" {
		return fmt.Errorf("AUTH_KEY is required when AUTH_ENABLE is set")
	}
	return nil
}
