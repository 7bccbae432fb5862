// Package config loads wikiharvest settings from file and environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/storage/postgres"
)

// Export providers.
const (
	ExportNone   = "none"
	ExportMemory = "memory"
	ExportLocal  = "local"
	ExportGCS    = "gcs"
)

// Notify providers.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// Config is the root configuration object.
type Config struct {
	Confluence ConfluenceConfig `mapstructure:"confluence"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Export     ExportConfig     `mapstructure:"export"`
	Report     ReportConfig     `mapstructure:"report"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ConfluenceConfig addresses the content API.
type ConfluenceConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// HarvestConfig selects sources and tunes the fetch engine.
type HarvestConfig struct {
	harvest.Config `mapstructure:",squash"`

	// Spaces lists the space keys to harvest. When it is empty every global
	// space is harvested, unless CQL queries are configured and AllSpaces
	// is off.
	Spaces        []string `mapstructure:"spaces"`
	AllSpaces     bool     `mapstructure:"all_spaces"`
	CQLQueries    []string `mapstructure:"cql_queries"`
	ContentExpand string   `mapstructure:"content_expand"`
	SearchExpand  string   `mapstructure:"search_expand"`
}

// ExportConfig selects where collected records are written.
type ExportConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	Local    struct {
		BaseDir string `mapstructure:"base_dir"`
	} `mapstructure:"local"`
	GCS struct {
		Bucket       string `mapstructure:"bucket"`
		CacheControl string `mapstructure:"cache_control"`
	} `mapstructure:"gcs"`
}

// ReportConfig controls persistence of run reports.
type ReportConfig struct {
	Postgres     postgres.Config `mapstructure:"postgres"`
	CreateSchema bool            `mapstructure:"create_schema"`
}

// Enabled reports whether a report store is configured.
func (r ReportConfig) Enabled() bool {
	return strings.TrimSpace(r.Postgres.DSN) != ""
}

// NotifyConfig controls the run-completed event. The memory provider keeps
// events in process for dry runs; an empty provider means pubsub.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Enabled reports whether run notifications are configured.
func (n NotifyConfig) Enabled() bool {
	switch n.Provider {
	case NotifyMemory:
		return true
	case NotifyPubSub, "":
		return n.ProjectID != "" && n.TopicID != ""
	default:
		return false
	}
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig captures logger preferences.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads configuration from the optional file path, then environment
// variables prefixed with HARVEST_ (HARVEST_CONFLUENCE_TOKEN and so on).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	h := harvest.DefaultConfig()

	v.SetDefault("confluence.url", "")
	v.SetDefault("confluence.token", "")
	v.SetDefault("confluence.user_agent", "wikiharvest/1.0")
	v.SetDefault("confluence.timeout", 60*time.Second)
	v.SetDefault("confluence.requests_per_second", 5.0)
	v.SetDefault("confluence.burst", 1)
	v.SetDefault("confluence.max_body_bytes", 64<<20)

	v.SetDefault("harvest.spaces", []string{})
	v.SetDefault("harvest.cql_queries", []string{})
	v.SetDefault("harvest.all_spaces", false)
	v.SetDefault("harvest.content_expand", "ancestors,body.export_view")
	v.SetDefault("harvest.search_expand", "space,ancestors,body.export_view")
	v.SetDefault("harvest.failure_limit", h.FailureLimit)
	v.SetDefault("harvest.skip_limit", h.SkipLimit)
	v.SetDefault("harvest.skip_amount", h.SkipAmount)
	v.SetDefault("harvest.degrade_factor", h.DegradeFactor)
	v.SetDefault("harvest.space_batch_size", h.SpaceBatchSize)
	v.SetDefault("harvest.query_batch_size", h.QueryBatchSize)
	v.SetDefault("harvest.discovery_batch_size", h.DiscoveryBatchSize)
	v.SetDefault("harvest.limit", h.Limit)
	v.SetDefault("harvest.server_backoff.base", h.ServerBackoff.Base)
	v.SetDefault("harvest.server_backoff.slot", h.ServerBackoff.Slot)
	v.SetDefault("harvest.timeout_backoff.base", h.TimeoutBackoff.Base)
	v.SetDefault("harvest.timeout_backoff.slot", h.TimeoutBackoff.Slot)

	v.SetDefault("export.provider", ExportLocal)
	v.SetDefault("export.prefix", "records")
	v.SetDefault("export.local.base_dir", "./export")
	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.gcs.cache_control", "")

	v.SetDefault("report.postgres.dsn", "")
	v.SetDefault("report.postgres.runs_table", "harvest_runs")
	v.SetDefault("report.postgres.sources_table", "harvest_sources")
	v.SetDefault("report.postgres.max_conns", 4)
	v.SetDefault("report.postgres.min_conns", 0)
	v.SetDefault("report.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("report.create_schema", false)

	v.SetDefault("notify.provider", NotifyPubSub)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Confluence.URL) == "" {
		return fmt.Errorf("confluence.url is required")
	}
	u, err := url.Parse(c.Confluence.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("confluence.url must be an absolute http(s) URL")
	}
	if c.Confluence.Timeout <= 0 {
		return fmt.Errorf("confluence.timeout must be > 0")
	}
	if c.Confluence.RequestsPerSecond < 0 {
		return fmt.Errorf("confluence.requests_per_second must be >= 0")
	}
	if c.Confluence.MaxBodyBytes < 0 {
		return fmt.Errorf("confluence.max_body_bytes must be >= 0")
	}
	if err := c.Harvest.Config.Validate(); err != nil {
		return err
	}
	switch c.Export.Provider {
	case ExportNone, ExportMemory:
	case ExportLocal:
		if strings.TrimSpace(c.Export.Local.BaseDir) == "" {
			return fmt.Errorf("export.local.base_dir must be set for the local provider")
		}
	case ExportGCS:
		if strings.TrimSpace(c.Export.GCS.Bucket) == "" {
			return fmt.Errorf("export.gcs.bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("export.provider %q is not one of none, memory, local, gcs", c.Export.Provider)
	}
	switch c.Notify.Provider {
	case NotifyNone, NotifyMemory:
	case NotifyPubSub, "":
		if (c.Notify.ProjectID == "") != (c.Notify.TopicID == "") {
			return fmt.Errorf("notify.project_id and notify.topic_id must be set together")
		}
	default:
		return fmt.Errorf("notify.provider %q is not one of none, memory, pubsub", c.Notify.Provider)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}
