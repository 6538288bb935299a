package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for mlsync.
type Config struct {
	BaseDir     string   `toml:"base_dir"`
	LogDir      string   `toml:"log_dir"`
	LogLevel    string   `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	WatchDirs   []string `toml:"watch_dirs"`
	LibraryRoot string   `toml:"library_root"`

	Database    DatabaseConfig    `toml:"database"`
	Workers     WorkersConfig     `toml:"workers"`
	Scan        ScanConfig        `toml:"scan"`
	Mount       MountConfig       `toml:"mount"`
	Cleanup     CleanupConfig     `toml:"cleanup"`
	Notify      NotifyConfig      `toml:"notify"`
	MediaServer MediaServerConfig `toml:"media_server"`
	Resolver    ResolverConfig    `toml:"resolver"`
	Vault       VaultConfig       `toml:"vault"`
	Encryption  EncryptionConfig  `toml:"encryption"`
}

// Duration is a time.Duration that reads and writes as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DatabaseConfig represents configuration for the persistent index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type           string   `toml:"type"`               // "sqlite" or "memory"
	DataDir        string   `toml:"data_dir,omitempty"` // only used for type=sqlite
	MaxRecords     int64    `toml:"max_records"`        // live rows kept before archiving; 0 disables
	MaxWorkers     int      `toml:"max_workers"`
	MaxOpenConns   int      `toml:"max_open_conns"`
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
}

// WorkersConfig bounds reconciliation parallelism.
type WorkersConfig struct {
	MaxProcesses int `toml:"max_processes"`
}

// ScanConfig controls the change-detection loop.
type ScanConfig struct {
	Interval   Duration `toml:"interval"`
	Ignore     []string `toml:"ignore"`
	Extensions []string `toml:"extensions"` // media extensions the mirror resolver links; empty means the built-in list
}

// MountConfig controls the mount health monitor.
type MountConfig struct {
	Enabled         bool     `toml:"enabled"`
	RecheckInterval Duration `toml:"recheck_interval"`
}

// CleanupConfig controls orphan and broken-link cleanup.
type CleanupConfig struct {
	TrashDir     string `toml:"trash_dir,omitempty"` // when set, removed links are moved here instead of deleted
	WalkLimit    int    `toml:"walk_limit"`
	SweepOnStart bool   `toml:"sweep_on_start"`
}

// NotifyConfig configures the webhook notifier. An empty URL disables it.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url,omitempty"`
	Timeout    Duration `toml:"timeout"`
	QueueSize  int      `toml:"queue_size"`
}

// MediaServerConfig configures library refresh requests. An empty URL disables them.
type MediaServerConfig struct {
	RefreshURL string `toml:"refresh_url,omitempty"`
	Token      string `toml:"token,omitempty"`
}

// ResolverConfig selects the destination resolver.
type ResolverConfig struct {
	Type      string `toml:"type"` // "mirror"
	CacheSize int    `toml:"cache_size"`
}

// VaultConfig represents configuration for the index snapshot vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "none", "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID  string `toml:"s3_access_key_id,omitempty"`
	S3SecretKey    string `toml:"s3_secret_key,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for snapshot encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{
			Type:           "sqlite",
			DataDir:        filepath.Join(baseDir, "db"),
			MaxRecords:     0,
			MaxWorkers:     4,
			MaxOpenConns:   4,
			RetryAttempts:  3,
			RetryBaseDelay: Duration{100 * time.Millisecond},
		},
		Workers: WorkersConfig{MaxProcesses: 4},
		Scan: ScanConfig{
			Interval: Duration{30 * time.Second},
			Ignore:   []string{".DS_Store", "*.part", "*.tmp", "@eaDir"},
		},
		Mount: MountConfig{
			Enabled:         false,
			RecheckInterval: Duration{time.Minute},
		},
		Cleanup: CleanupConfig{
			WalkLimit:    100000,
			SweepOnStart: true,
		},
		Notify: NotifyConfig{
			Timeout:   Duration{10 * time.Second},
			QueueSize: 256,
		},
		Resolver: ResolverConfig{Type: "mirror", CacheSize: 4096},
		Vault:    VaultConfig{Type: "none"},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "mlsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "mlsync.key"),
		},
	}
}

// Validate checks the fields every operation depends on.
func (c *Config) Validate() error {
	if c.LibraryRoot == "" {
		return fmt.Errorf("library_root is required")
	}
	if !filepath.IsAbs(c.LibraryRoot) {
		return fmt.Errorf("library_root must be absolute: %s", c.LibraryRoot)
	}
	for _, dir := range c.WatchDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("watch_dirs entry must be absolute: %s", dir)
		}
		if isWithin(c.LibraryRoot, dir) || isWithin(dir, c.LibraryRoot) {
			return fmt.Errorf("watch dir %s overlaps library_root %s", dir, c.LibraryRoot)
		}
	}
	if c.Workers.MaxProcesses < 1 {
		return fmt.Errorf("workers.max_processes must be positive")
	}
	if c.Database.MaxWorkers < 1 {
		return fmt.Errorf("database.max_workers must be positive")
	}
	return nil
}

// PoolSize returns the reconciliation worker count: the smaller of the process and
// database worker limits.
func (c *Config) PoolSize() int {
	return min(c.Workers.MaxProcesses, c.Database.MaxWorkers)
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
