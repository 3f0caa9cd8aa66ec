// Package config loads indusgpt settings from the environment, an optional .env file, AWS SSM
// Parameter Store and the conversation script file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samedit66/indusgpt/internal/batcher"
	"github.com/samedit66/indusgpt/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for indusgpt state data
	DefaultStateDir = "/var/lib/indusgpt"
	// DefaultAppDBFileName is the default SQLite database filename for conversations
	DefaultAppDBFileName = "indusgpt.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultReportDirName is the report directory below the state directory
	DefaultReportDirName = "reports"

	DefaultAPIAddr  = ":8080"
	DefaultModel    = "gpt-4o-mini"
	DefaultLogLevel = "debug"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	MessagingWhatsApp = "whatsapp"
	MessagingTwilio   = "twilio"
)

// S3 configures the optional report bucket.
type S3 struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Enabled reports whether a bucket was configured.
func (s S3) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

// Config holds environment configuration
type Config struct {
	OracleProvider string
	OpenAIKey      string
	OpenAIBaseURL  string
	Model          string
	GeminiKey      string

	StateDir    string
	DatabaseURL string
	WhatsAppDSN string

	MessagingProvider string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioWebhookURL  string

	APIAddr      string
	AllowedUsers []string
	Operators    []string

	QuestionsFile  string
	CoalesceWindow time.Duration
	ManagerContact string

	ReportDir string
	ReportS3  S3

	LogLevel string
	LogFile  string
}

// Load reads the .env file if present, then the environment, and fills defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env files.
func FromEnv() Config {
	cfg := Config{
		OracleProvider:    strings.ToLower(strings.TrimSpace(os.Getenv("ORACLE_PROVIDER"))),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_API_BASE_URL"),
		Model:             os.Getenv("MODEL"),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		StateDir:          os.Getenv("INDUSGPT_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		MessagingProvider: strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_PROVIDER"))),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		APIAddr:           os.Getenv("API_ADDR"),
		AllowedUsers:      util.ParseListEnv("ALLOWED_USERS"),
		Operators:         util.ParseListEnv("OPERATORS"),
		QuestionsFile:     os.Getenv("QUESTIONS_FILE"),
		CoalesceWindow:    util.ParseDurationEnv("COALESCE_WINDOW", batcher.DefaultWindow),
		ManagerContact:    os.Getenv("MANAGER_CONTACT"),
		ReportDir:         os.Getenv("REPORT_DIR"),
		ReportS3: S3{
			Endpoint:  os.Getenv("REPORT_S3_ENDPOINT"),
			Bucket:    os.Getenv("REPORT_S3_BUCKET"),
			AccessKey: os.Getenv("REPORT_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("REPORT_S3_SECRET_KEY"),
			UseSSL:    util.ParseBoolEnv("REPORT_S3_USE_SSL", true),
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
		LogFile:  os.Getenv("LOG_FILE"),
	}
	cfg.applyDefaults()

	slog.Debug("environment variables loaded",
		"ORACLE_PROVIDER", cfg.OracleProvider,
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"GEMINI_API_KEY_SET", cfg.GeminiKey != "",
		"MODEL", cfg.Model,
		"INDUSGPT_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"MESSAGING_PROVIDER", cfg.MessagingProvider,
		"TWILIO_AUTH_TOKEN_SET", cfg.TwilioAuthToken != "",
		"API_ADDR", cfg.APIAddr,
		"ALLOWED_USERS", len(cfg.AllowedUsers),
		"OPERATORS", len(cfg.Operators),
		"TWILIO_WEBHOOK_URL", cfg.TwilioWebhookURL,
		"COALESCE_WINDOW", cfg.CoalesceWindow,
		"REPORT_S3_ENABLED", cfg.ReportS3.Enabled())
	return cfg
}

func (c *Config) applyDefaults() {
	if c.OracleProvider == "" {
		c.OracleProvider = ProviderOpenAI
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MessagingProvider == "" {
		c.MessagingProvider = MessagingWhatsApp
	}
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.SetStateDir(c.StateDir)
}

// SetStateDir changes the state directory and recomputes every path still derived from it.
// Explicitly configured paths are kept.
func (c *Config) SetStateDir(dir string) {
	if dir == "" {
		dir = DefaultStateDir
	}
	old := c.StateDir
	if old == "" {
		old = dir
	}
	if c.DatabaseURL == "" || c.DatabaseURL == defaultAppDSN(old) {
		c.DatabaseURL = defaultAppDSN(dir)
	}
	if c.WhatsAppDSN == "" || c.WhatsAppDSN == defaultWhatsAppDSN(old) {
		c.WhatsAppDSN = defaultWhatsAppDSN(dir)
	}
	if c.ReportDir == "" || c.ReportDir == filepath.Join(old, DefaultReportDirName) {
		c.ReportDir = filepath.Join(dir, DefaultReportDirName)
	}
	c.StateDir = dir
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// Validate checks provider choices and the credentials they need.
func (c Config) Validate() error {
	switch c.OracleProvider {
	case ProviderOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the %s provider", c.OracleProvider)
		}
	case ProviderGemini:
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the %s provider", c.OracleProvider)
		}
	default:
		return fmt.Errorf("unknown ORACLE_PROVIDER %q", c.OracleProvider)
	}
	switch c.MessagingProvider {
	case MessagingWhatsApp:
	case MessagingTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for the twilio provider")
		}
	default:
		return fmt.Errorf("unknown MESSAGING_PROVIDER %q", c.MessagingProvider)
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level. Unknown values fall back to debug.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// EnsureStateDirs creates the directories that file-based databases and reports live in.
func (c Config) EnsureStateDirs() error {
	dirs := []string{c.StateDir, c.ReportDir}
	if DSNIsFile(c.DatabaseURL) {
		dirs = append(dirs, filepath.Dir(c.DatabaseURL))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DSNIsFile reports whether dsn names a local SQLite file rather than a server.
func DSNIsFile(dsn string) bool {
	return dsn != "" && !strings.Contains(dsn, "postgres://") && !strings.Contains(dsn, "postgresql://") &&
		!strings.Contains(dsn, "host=")
}
