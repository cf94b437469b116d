package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
	CacheBackendS3    = "s3"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken  string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"file:database.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`

	KIEAPIKey         string        `envconfig:"KIE_API_KEY" required:"true"`
	KIEBaseURL        string        `envconfig:"KIE_BASE_URL" default:"https://api.kie.ai"`
	KIEModel          string        `envconfig:"KIE_MODEL" default:"flux-2"`
	KIECreateRetries  int           `envconfig:"KIE_CREATE_RETRIES" default:"2"`
	KIEPollInterval   time.Duration `envconfig:"KIE_POLL_INTERVAL" default:"2s"`
	KIEPollAttempts   int           `envconfig:"KIE_POLL_ATTEMPTS" default:"60"`
	RequestTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"3m"`
	RefundOnFailure   bool          `envconfig:"REFUND_ON_FAILURE" default:"true"`

	MaxConcurrentRequests int `envconfig:"MAX_CONCURRENT_REQUESTS" default:"8"`

	PaymentCurrency              string   `envconfig:"PAYMENT_CURRENCY" default:"XTR"`
	TelegramPaymentProviderToken string   `envconfig:"TELEGRAM_PAYMENT_PROVIDER_TOKEN"`
	PricePackages                Packages `envconfig:"PRICE_PACKAGES" default:"p2:1:2:Trial,p5:75:5:Starter,p10:140:10:Popular,p20:260:20:Pro"`

	CacheBackend       string        `envconfig:"CACHE_BACKEND" default:"file"`
	CacheDir           string        `envconfig:"CACHE_DIR" default:"cache"`
	CacheMaxAge        time.Duration `envconfig:"CACHE_MAX_AGE" default:"0s"`
	CacheMaxBytes      int64         `envconfig:"CACHE_MAX_BYTES" default:"0"`
	CachePruneInterval time.Duration `envconfig:"CACHE_PRUNE_INTERVAL" default:"1h"`

	RedisURL       string `envconfig:"REDIS_URL"`
	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisNamespace string `envconfig:"REDIS_NAMESPACE" default:"tgimg"`

	AdminListenAddr string `envconfig:"ADMIN_LISTEN_ADDR" default:":8080"`
	AdminUsername   string `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPassword   string `envconfig:"ADMIN_PASSWORD" default:"change-me"`

	S3Endpoint      string `envconfig:"S3_ENDPOINT"`
	S3Region        string `envconfig:"S3_REGION"`
	S3AccessKey     string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey     string `envconfig:"S3_SECRET_KEY"`
	S3Bucket        string `envconfig:"S3_BUCKET"`
	S3PublicBaseURL string `envconfig:"S3_PUBLIC_BASE_URL"`
	S3UsePathStyle  bool   `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	S3Prefix        string `envconfig:"S3_PREFIX" default:"references"`
	S3CachePrefix   string `envconfig:"S3_CACHE_PREFIX" default:"cache"`
}

// Package is one purchasable credit bundle. Amount is in the smallest
// currency unit (Telegram Stars for XTR).
type Package struct {
	ID      string
	Amount  int
	Credits int
	Title   string
}

// Packages decodes "id:amount:credits:title" items separated by commas.
type Packages []Package

func (p *Packages) Decode(value string) error {
	var out Packages
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 4)
		if len(parts) < 3 {
			return fmt.Errorf("price package %q: want id:amount:credits[:title]", item)
		}
		amount, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || amount <= 0 {
			return fmt.Errorf("price package %q: invalid amount", item)
		}
		credits, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || credits <= 0 {
			return fmt.Errorf("price package %q: invalid credits", item)
		}
		pkg := Package{ID: strings.TrimSpace(parts[0]), Amount: amount, Credits: credits}
		if len(parts) == 4 {
			pkg.Title = strings.TrimSpace(parts[3])
		}
		if pkg.ID == "" {
			return fmt.Errorf("price package %q: empty id", item)
		}
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	*p = out
	return nil
}

// Load reads configuration from an optional env file and the environment.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.KIEBaseURL = normalizeKIEBaseURL(cfg.KIEBaseURL, "https://api.kie.ai")
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	cfg.KIEModel = strings.ToLower(strings.TrimSpace(cfg.KIEModel))
	cfg.PaymentCurrency = strings.ToUpper(strings.TrimSpace(cfg.PaymentCurrency))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.CacheBackend {
	case CacheBackendFile, CacheBackendRedis, CacheBackendS3:
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.CacheBackend)
	}
	switch c.KIEModel {
	case "flux-2", "nano-banana-pro":
	default:
		return fmt.Errorf("unsupported KIE_MODEL %q", c.KIEModel)
	}
	if len(c.PricePackages) == 0 {
		return errors.New("PRICE_PACKAGES must define at least one package")
	}
	seenAmount := make(map[int]string, len(c.PricePackages))
	for _, p := range c.PricePackages {
		if other, ok := seenAmount[p.Amount]; ok {
			return fmt.Errorf("price packages %s and %s share amount %d", other, p.ID, p.Amount)
		}
		seenAmount[p.Amount] = p.ID
	}

	var missing []string
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	// Edits hand the source image to the provider by URL, so uploads are always needed.
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if c.CacheBackend == CacheBackendRedis && c.RedisURL == "" && c.RedisAddr == "" {
		missing = append(missing, "REDIS_URL or REDIS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

// loadEnvFile overlays the first env file found. A missing file is not an error:
// containers usually pass the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
