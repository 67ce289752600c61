package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/humanmade/entity-base/models"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4270"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Analysis service access.
	TextRazorBaseURL     string `envconfig:"TEXTRAZOR_BASE_URL" default:"https://api.textrazor.com"`
	TextRazorAPIKey      string `envconfig:"TEXTRAZOR_API_KEY"`
	TextRazorLanguage    string `envconfig:"TEXTRAZOR_LANGUAGE" default:"eng"`
	TextRazorExtractors  string `envconfig:"TEXTRAZOR_EXTRACTORS" default:"entities"`
	TextRazorClassifiers string `envconfig:"TEXTRAZOR_CLASSIFIERS" default:"textrazor_mediatopics_2023Q1"`

	// Entity filter settings. List values are comma separated.
	EntityAllowlist   string  `envconfig:"ENTITY_ALLOWLIST"`
	EntityBlocklist   string  `envconfig:"ENTITY_BLOCKLIST"`
	DBPediaFilters    string  `envconfig:"DBPEDIA_FILTERS"`
	DBPediaBlocklist  string  `envconfig:"DBPEDIA_BLOCKLIST"`
	FreebaseFilters   string  `envconfig:"FREEBASE_FILTERS"`
	FreebaseBlocklist string  `envconfig:"FREEBASE_BLOCKLIST"`
	MinConfidence     float64 `envconfig:"MIN_CONFIDENCE" default:"0"`
	MinRelevance      float64 `envconfig:"MIN_RELEVANCE" default:"0"`

	// Document types eligible for automatic analysis on save.
	AllowedDocumentTypes string `envconfig:"ALLOWED_DOCUMENT_TYPES" default:"post"`

	// Debounce window before a scheduled extraction job runs.
	ScheduleDelaySeconds int `envconfig:"SCHEDULE_DELAY_SECONDS" default:"0"`

	// Recurring full-corpus re-analysis. Empty disables the cron job.
	CronSchedule string `envconfig:"CRON_SCHEDULE"`

	// Export defaults.
	ExportChunkSize int `envconfig:"EXPORT_CHUNK_SIZE" default:"300"`
	ExportMaxURLs   int `envconfig:"EXPORT_MAX_URLS" default:"100"`

	// Optional S3 target for export archives (cmd/export).
	ExportS3Key    string `envconfig:"EXPORT_S3_KEY"`
	ExportS3Secret string `envconfig:"EXPORT_S3_SECRET"`
	ExportS3URL    string `envconfig:"EXPORT_S3_URL"`
	ExportS3Region string `envconfig:"EXPORT_S3_REGION"`
	ExportS3Bucket string `envconfig:"EXPORT_S3_BUCKET"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// FilterConfig builds an immutable filter configuration snapshot. Loaded once
// per extraction call and threaded through the filter chain.
func (c *Config) FilterConfig() models.FilterConfig {
	return models.FilterConfig{
		EntityAllowlist:   splitList(c.EntityAllowlist),
		EntityBlocklist:   splitList(c.EntityBlocklist),
		TypeFilters:       splitList(c.DBPediaFilters),
		TypeBlocklist:     splitList(c.DBPediaBlocklist),
		FreebaseFilters:   splitList(c.FreebaseFilters),
		FreebaseBlocklist: splitList(c.FreebaseBlocklist),
		MinConfidence:     c.MinConfidence,
		MinRelevance:      c.MinRelevance,
	}
}

// AllowedTypes returns the document types eligible for analysis on save.
func (c *Config) AllowedTypes() []string {
	return splitList(c.AllowedDocumentTypes)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
