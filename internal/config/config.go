package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Environment string
	DBPath      string
	OutputDir   string
	UnitsFile   string

	APIAddr           string
	APIPrefix         string
	TaskStatusBaseURL string
	CORSOrigins       []string
	WorkerCount       int

	CatalogAPIBaseURL      string
	CatalogAPIToken        string
	CatalogRateLimitRPS    int
	CatalogTimeoutMs       int
	CatalogRefreshInterval int
	CatalogSyncOnStart     bool
	CatalogFixture         string

	MatchMinScore float64
	BulkRatio     float64

	RawMailDir string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	InboxProvider    string
	InboxLabel       string
	InboxIntervalSec int
	InboxFetchMax    int
	InboxStoreIDs    []string
	InboxAutoExport  bool

	LogLevel  string
	LogFormat string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, eris.Wrap(err, "config: working directory")
	}

	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		DBPath:      getEnv("DB_PATH", filepath.Join(cwd, "data", "savery.db")),
		OutputDir:   getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		UnitsFile:   getEnv("UNITS_FILE", ""),

		APIAddr:           getEnv("API_ADDR", ":8080"),
		APIPrefix:         getEnv("API_PREFIX", "/api"),
		TaskStatusBaseURL: getEnv("TASK_STATUS_BASE_URL", ""),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		WorkerCount:       getEnvInt("WORKER_COUNT", 4),

		CatalogAPIBaseURL:      getEnv("CATALOG_API_BASE_URL", ""),
		CatalogAPIToken:        getEnv("CATALOG_API_TOKEN", ""),
		CatalogRateLimitRPS:    getEnvInt("CATALOG_RATE_LIMIT_RPS", 5),
		CatalogTimeoutMs:       getEnvInt("CATALOG_TIMEOUT_MS", 30000),
		CatalogRefreshInterval: getEnvInt("CATALOG_REFRESH_INTERVAL_SEC", 0),
		CatalogSyncOnStart:     getEnvBool("CATALOG_SYNC_ON_START", false),
		CatalogFixture:         getEnv("CATALOG_FIXTURE", filepath.Join(cwd, "data", "catalog.yaml")),

		MatchMinScore: getEnvFloat("MATCH_MIN_SCORE", 0.35),
		BulkRatio:     getEnvFloat("BULK_RATIO", 3),

		RawMailDir: getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		InboxProvider:    strings.ToLower(strings.TrimSpace(getEnv("INBOX_PROVIDER", ""))),
		InboxLabel:       getEnv("INBOX_LABEL", "INBOX"),
		InboxIntervalSec: getEnvInt("INBOX_INTERVAL_SEC", 60),
		InboxFetchMax:    getEnvInt("INBOX_FETCH_MAX", 20),
		InboxStoreIDs:    getEnvList("INBOX_STORE_IDS", nil),
		InboxAutoExport:  getEnvBool("INBOX_AUTO_EXPORT", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	cfg.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.APIPrefix), "/")
	if cfg.APIPrefix == "/" {
		cfg.APIPrefix = ""
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return eris.Errorf("missing required env var: %s", name)
	}
	return nil
}

func InitLogger(level, format string) error {
	var zapCfg zap.Config
	if format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(lvl)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
