package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally seeded from a .env file (ENV_FILE overrides the path).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	ElevenLabs ElevenLabsConfig
	Scheduling SchedulingConfig
	Directory  DirectoryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// ElevenLabsConfig configures the conversational voice provider.
type ElevenLabsConfig struct {
	BaseURL            string
	APIKey             string
	AgentID            string
	AgentPhoneNumberID string
	WebhookSecret      string

	// SignatureTolerance bounds the age of a signed webhook timestamp.
	SignatureTolerance time.Duration
	HTTPTimeout        time.Duration
}

// SchedulingConfig carries the call-window and credit constants.
type SchedulingConfig struct {
	Timezone      string
	DefaultRegion string

	MaxAttempts            int
	ProjectedSeconds       int
	MinimumLastCallSeconds int
	HorizonDays            int
	UnfreezeBatchSize      int

	// MaxBillableSeconds caps the billed duration of a single call. 0 disables the cap.
	MaxBillableSeconds int
}

type DirectoryConfig struct {
	BaseURL     string
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
}

func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.ElevenLabs.BaseURL = strings.TrimSpace(os.Getenv("ELEVENLABS_BASE_URL"))
	c.ElevenLabs.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	c.ElevenLabs.AgentID = strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_ID"))
	c.ElevenLabs.AgentPhoneNumberID = strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_PHONE_NUMBER_ID"))
	c.ElevenLabs.WebhookSecret = os.Getenv("ELEVENLABS_WEBHOOK_SECRET")
	c.ElevenLabs.SignatureTolerance = mustDuration("ELEVENLABS_SIGNATURE_TOLERANCE")
	c.ElevenLabs.HTTPTimeout = mustDuration("ELEVENLABS_HTTP_TIMEOUT")

	c.Scheduling.Timezone = strings.TrimSpace(os.Getenv("SCHEDULE_TIMEZONE"))
	c.Scheduling.DefaultRegion = strings.ToUpper(strings.TrimSpace(os.Getenv("SCHEDULE_DEFAULT_REGION")))
	for key, dst := range map[string]*int{
		"SCHEDULE_MAX_ATTEMPTS":          &c.Scheduling.MaxAttempts,
		"SCHEDULE_PROJECTED_SECONDS":     &c.Scheduling.ProjectedSeconds,
		"SCHEDULE_MIN_LAST_CALL_SECONDS": &c.Scheduling.MinimumLastCallSeconds,
		"SCHEDULE_HORIZON_DAYS":          &c.Scheduling.HorizonDays,
		"SCHEDULE_UNFREEZE_BATCH_SIZE":   &c.Scheduling.UnfreezeBatchSize,
		"SCHEDULE_MAX_BILLABLE_SECONDS":  &c.Scheduling.MaxBillableSeconds,
	} {
		n, err := optionalInt(key)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		*dst = n
	}

	c.Directory.BaseURL = strings.TrimSpace(os.Getenv("DIRECTORY_BASE_URL"))
	c.Directory.CacheTTL = mustDuration("DIRECTORY_CACHE_TTL")
	c.Directory.HTTPTimeout = mustDuration("DIRECTORY_HTTP_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.ElevenLabs.BaseURL == "" {
		c.ElevenLabs.BaseURL = "https://api.elevenlabs.io/v1/convai"
	}
	if c.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	if c.ElevenLabs.AgentID == "" {
		errs = append(errs, errors.New("ELEVENLABS_AGENT_ID is required"))
	}
	if c.ElevenLabs.AgentPhoneNumberID == "" {
		errs = append(errs, errors.New("ELEVENLABS_AGENT_PHONE_NUMBER_ID is required"))
	}
	// Webhooks are rejected with 401 while the secret is missing; production must set it.
	if c.ElevenLabs.WebhookSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("ELEVENLABS_WEBHOOK_SECRET is required in production"))
	}
	if c.ElevenLabs.SignatureTolerance <= 0 {
		c.ElevenLabs.SignatureTolerance = 30 * time.Minute
	}
	if c.ElevenLabs.HTTPTimeout <= 0 {
		c.ElevenLabs.HTTPTimeout = 15 * time.Second
	}

	c.Scheduling.applyDefaults()
	if _, err := time.LoadLocation(c.Scheduling.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULE_TIMEZONE is not a valid IANA zone: %q", c.Scheduling.Timezone))
	}
	if c.Scheduling.MinimumLastCallSeconds > c.Scheduling.ProjectedSeconds {
		errs = append(errs, errors.New("SCHEDULE_MIN_LAST_CALL_SECONDS must not exceed SCHEDULE_PROJECTED_SECONDS"))
	}
	if c.Scheduling.MaxBillableSeconds < 0 {
		errs = append(errs, errors.New("SCHEDULE_MAX_BILLABLE_SECONDS must be >= 0"))
	}

	if c.Directory.BaseURL == "" {
		errs = append(errs, errors.New("DIRECTORY_BASE_URL is required"))
	}
	if c.Directory.CacheTTL <= 0 {
		c.Directory.CacheTTL = 24 * time.Hour
	}
	if c.Directory.HTTPTimeout <= 0 {
		c.Directory.HTTPTimeout = 5 * time.Second
	}

	return joinErrors(errs)
}

func (s *SchedulingConfig) applyDefaults() {
	if s.Timezone == "" {
		s.Timezone = "Europe/Berlin"
	}
	if s.DefaultRegion == "" {
		s.DefaultRegion = "DE"
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 12
	}
	if s.ProjectedSeconds <= 0 {
		s.ProjectedSeconds = 180
	}
	if s.MinimumLastCallSeconds <= 0 {
		s.MinimumLastCallSeconds = 21
	}
	if s.HorizonDays <= 0 {
		s.HorizonDays = 14
	}
	if s.UnfreezeBatchSize <= 0 {
		s.UnfreezeBatchSize = 5
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// MigrateURL is the URL form consumed by golang-migrate's pgx/v5 driver.
func (c Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User,
		c.DB.Password,
		c.DB.Host,
		c.DB.Port,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	// godotenv never overrides variables already present in the process env.
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
