package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete data catcher configuration.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Crates    CratesConfig    `yaml:"crates"`
	Registry  RegistryConfig  `yaml:"registry"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Enrich    EnrichConfig    `yaml:"enrichment"`
	MetaCache MetaCacheConfig `yaml:"metadata_cache"`
	Writer    WriterConfig    `yaml:"writer"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Stats     StatsConfig     `yaml:"stats"`

	// LoadedFrom is the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// StationConfig names this catcher instance in logs and notifications.
type StationConfig struct {
	Name string `yaml:"name"`
}

// CratesConfig lists the correlator crates expected to report each scan.
type CratesConfig struct {
	Active      []int `yaml:"active"`
	IdleSeconds int   `yaml:"idle_seconds"`
}

// RegistryConfig tunes scan matching and eviction.
type RegistryConfig struct {
	MatchWindowMS   int    `yaml:"match_window_ms"`
	MaxPending      int    `yaml:"max_pending"`
	StaleScans      int    `yaml:"stale_scans"`
	WidebandEnabled bool   `yaml:"wideband_enabled"`
	WidebandCrate   int    `yaml:"wideband_crate"`
	FirstScanNumber uint64 `yaml:"first_scan_number"`
}

// IngestConfig contains the crate-facing TCP listener settings.
type IngestConfig struct {
	Listen             string `yaml:"listen"`
	MaxConnections     int    `yaml:"max_connections"`
	MaxFrameBytes      int    `yaml:"max_frame_bytes"`
	ReadTimeoutSeconds int    `yaml:"read_timeout_seconds"`
}

// EnrichConfig contains metadata service settings.
type EnrichConfig struct {
	URL          string `yaml:"url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	Retries      *int   `yaml:"retries"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
	QueueDepth   int    `yaml:"queue_depth"`
	Workers      int    `yaml:"workers"`
}

// MetaCacheConfig controls the on-disk last-good metadata store.
type MetaCacheConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
	CacheSizeMB    int    `yaml:"cache_size_mb"`
}

// WriterConfig controls the output streams.
type WriterConfig struct {
	OutputDir        string `yaml:"output_dir"`
	StartIntegration int32  `yaml:"start_integration"`
	StartBaseline    int32  `yaml:"start_baseline"`
	StartSpectrum    int32  `yaml:"start_spectrum"`
	Continuum        bool   `yaml:"continuum"`
}

// CatalogConfig controls the SQLite catalog of written integrations.
type CatalogConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
	PreflightTimeoutMS     int    `yaml:"preflight_timeout_ms"`
	RetentionDays          int    `yaml:"retention_days"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
}

// MQTTConfig contains scan-written notification settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	UseTLS   bool   `yaml:"use_tls"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// AdminConfig contains admin interface settings.
type AdminConfig struct {
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatsConfig controls the periodic stats line.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// Load reads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in name order (later files override earlier keys).
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no yaml files in %s", path)
		}
	}

	var cfg Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.LoadedFrom = path
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Normalize applies defaults and rejects settings the pipeline cannot run with.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.Station.Name) == "" {
		c.Station.Name = "datacatcher"
	}
	if len(c.Crates.Active) == 0 {
		return errors.New("crates.active must list at least one crate")
	}
	seen := make(map[int]bool, len(c.Crates.Active))
	for _, id := range c.Crates.Active {
		if id < 0 {
			return fmt.Errorf("crates.active: invalid crate id %d", id)
		}
		if seen[id] {
			return fmt.Errorf("crates.active: crate %d listed twice", id)
		}
		seen[id] = true
	}
	if c.Crates.IdleSeconds <= 0 {
		c.Crates.IdleSeconds = 120
	}

	if c.Registry.MatchWindowMS <= 0 {
		c.Registry.MatchWindowMS = 2000
	}
	if c.Registry.MaxPending <= 0 {
		c.Registry.MaxPending = 8
	}
	if c.Registry.StaleScans <= 0 {
		c.Registry.StaleScans = 10
	}
	if c.Registry.FirstScanNumber == 0 {
		c.Registry.FirstScanNumber = 1
	}
	if c.Registry.WidebandEnabled && !seen[c.Registry.WidebandCrate] {
		return fmt.Errorf("registry.wideband_crate %d is not in crates.active", c.Registry.WidebandCrate)
	}

	if strings.TrimSpace(c.Ingest.Listen) == "" {
		c.Ingest.Listen = ":7400"
	}
	if c.Ingest.MaxConnections <= 0 {
		c.Ingest.MaxConnections = 64
	}
	if c.Ingest.MaxFrameBytes <= 0 {
		c.Ingest.MaxFrameBytes = 64 << 20
	}
	if c.Ingest.ReadTimeoutSeconds <= 0 {
		c.Ingest.ReadTimeoutSeconds = 300
	}

	if c.Enrich.TimeoutMS <= 0 {
		c.Enrich.TimeoutMS = 2000
	}
	if c.Enrich.Retries == nil {
		one := 1
		c.Enrich.Retries = &one
	} else if *c.Enrich.Retries < 0 {
		return errors.New("enrichment.retries must not be negative")
	}
	if c.Enrich.RetryDelayMS <= 0 {
		c.Enrich.RetryDelayMS = 250
	}
	if c.Enrich.QueueDepth <= 0 {
		c.Enrich.QueueDepth = 64
	}
	if c.Enrich.Workers <= 0 {
		c.Enrich.Workers = 1
	}

	if strings.TrimSpace(c.MetaCache.Path) == "" {
		c.MetaCache.Path = "data/metacache"
	}
	if c.MetaCache.RetentionHours <= 0 {
		c.MetaCache.RetentionHours = 7 * 24
	}
	if c.MetaCache.CacheSizeMB <= 0 {
		c.MetaCache.CacheSizeMB = 8
	}

	if strings.TrimSpace(c.Writer.OutputDir) == "" {
		c.Writer.OutputDir = "data/mir"
	}
	if c.Writer.StartIntegration < 0 || c.Writer.StartBaseline < 0 || c.Writer.StartSpectrum < 0 {
		return errors.New("writer start identifiers must not be negative")
	}

	if strings.TrimSpace(c.Catalog.DBPath) == "" {
		c.Catalog.DBPath = "data/catalog.db"
	}
	if c.Catalog.QueueSize <= 0 {
		c.Catalog.QueueSize = 1024
	}
	if c.Catalog.BatchSize <= 0 {
		c.Catalog.BatchSize = 32
	}
	if c.Catalog.BatchIntervalMS <= 0 {
		c.Catalog.BatchIntervalMS = 500
	}
	if c.Catalog.BusyTimeoutMS <= 0 {
		c.Catalog.BusyTimeoutMS = 1000
	}
	if c.Catalog.PreflightTimeoutMS <= 0 {
		c.Catalog.PreflightTimeoutMS = 2000
	}
	if c.Catalog.RetentionDays <= 0 {
		c.Catalog.RetentionDays = 90
	}
	if c.Catalog.CleanupIntervalSeconds <= 0 {
		c.Catalog.CleanupIntervalSeconds = 3600
	}

	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.Port <= 0 {
		c.MQTT.Port = 1883
	}
	if strings.TrimSpace(c.MQTT.Topic) == "" {
		c.MQTT.Topic = "datacatcher/scans"
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		c.MQTT.ClientID = c.Station.Name
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if strings.TrimSpace(c.Admin.BindAddress) == "" {
		c.Admin.BindAddress = "127.0.0.1"
	}

	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}

	if c.Stats.DisplayIntervalSeconds <= 0 {
		c.Stats.DisplayIntervalSeconds = 30
	}
	return nil
}

// EnrichRetries returns the configured retry count.
func (c *Config) EnrichRetries() int {
	if c.Enrich.Retries == nil {
		return 1
	}
	return *c.Enrich.Retries
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Station: %s\n", c.Station.Name)
	fmt.Printf("Crates: %s (idle after %ds)\n", joinInts(c.Crates.Active), c.Crates.IdleSeconds)
	fmt.Printf("Registry: window=%dms max_pending=%d stale=%d scans\n",
		c.Registry.MatchWindowMS, c.Registry.MaxPending, c.Registry.StaleScans)
	if c.Registry.WidebandEnabled {
		fmt.Printf("Wideband crate %d matches the oldest pending scan\n", c.Registry.WidebandCrate)
	}
	fmt.Printf("Ingest: %s (max %d connections)\n", c.Ingest.Listen, c.Ingest.MaxConnections)
	if c.Enrich.URL != "" {
		fmt.Printf("Metadata service: %s (timeout %dms, retries %d)\n", c.Enrich.URL, c.Enrich.TimeoutMS, c.EnrichRetries())
	} else {
		fmt.Println("Metadata service: none (default metadata)")
	}
	if c.MetaCache.Enabled {
		fmt.Printf("Metadata cache: %s\n", c.MetaCache.Path)
	}
	fmt.Printf("Writer: %s (start in=%d bl=%d sp=%d, continuum=%t)\n", c.Writer.OutputDir,
		c.Writer.StartIntegration, c.Writer.StartBaseline, c.Writer.StartSpectrum, c.Writer.Continuum)
	if c.Catalog.Enabled {
		fmt.Printf("Catalog: %s (retention %d days)\n", c.Catalog.DBPath, c.Catalog.RetentionDays)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Admin.HTTPPort > 0 {
		fmt.Printf("Admin: http://%s:%d\n", c.Admin.BindAddress, c.Admin.HTTPPort)
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
