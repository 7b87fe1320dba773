package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
	"github.com/CrackerCat/Android-DataBackup/pkg/utils"
)

const (
	DefaultBackupRoot  = "/storage/emulated/0/DataBackup"
	DefaultSelfPackage = "com.xayah.databackup"
	DefaultTempDir     = "/data/local/tmp/databackup"
)

var (
	multiValueKeys = map[string]bool{
		"AGE_RECIPIENTS": true,
		"MEDIA_FOLDERS":  true,
	}

	blockValueKeys = map[string]bool{
		"MEDIA_FOLDERS": true,
	}

	defaultMediaFolders = []string{
		"/storage/emulated/0/Pictures",
		"/storage/emulated/0/Download",
		"/storage/emulated/0/Music",
		"/storage/emulated/0/DCIM",
	}

	envKeys = []string{
		"BACKUP_ROOT", "BACKUP_USER", "RESTORE_USER", "SELF_PACKAGE",
		"COMPRESSION_TYPE", "COMPRESSION_LEVEL", "BACKUP_STRATEGY", "BACKUP_TEST",
		"BACKUP_USER_DE", "BACKUP_DATA", "BACKUP_OBB", "AUTO_FIX_MULTI_USER_CONTEXT",
		"MEDIA_FOLDERS", "INDEX_DIR", "BLACKLIST_PATH", "LOG_PATH", "DEBUG_LEVEL", "USE_COLOR",
		"ENCRYPT_ARCHIVES", "AGE_RECIPIENTS", "AGE_IDENTITY_FILE",
		"METRICS_ENABLED", "METRICS_PATH", "BACKUP_SCHEDULE",
		"LOCK_PATH", "LOCK_STALE_AFTER", "MIN_FREE_SPACE_MB", "MAX_SNAPSHOTS",
		"GATEWAY_FS_TIMEOUT", "PACKAGE_CACHE_TTL", "EVENT_BUFFER", "TEMP_DIR",
	}
)

// Config holds the settings of a backup or restore run.
type Config struct {
	ConfigPath string

	// Layout
	BackupRoot    string
	IndexDir      string
	BlacklistPath string
	LogPath       string
	LockPath      string
	MetricsPath   string
	TempDir       string

	// Users
	BackupUser  int
	RestoreUser int
	SelfPackage string

	// Archives
	CompressionType  types.CompressionType
	CompressionLevel int
	BackupStrategy   types.BackupStrategy
	BackupTest       bool
	BackupUserDE     bool
	BackupData       bool
	BackupOBB        bool
	MaxSnapshots     int
	MediaFolders     []string

	// Device
	AutoFixMultiUserContext bool
	GatewayFSTimeout        time.Duration
	PackageCacheTTL         time.Duration

	// Encryption
	EncryptArchives bool
	AgeRecipients   []string
	AgeIdentityFile string

	// Runtime
	DebugLevel     types.LogLevel
	UseColor       bool
	MetricsEnabled bool
	BackupSchedule string
	LockStaleAfter time.Duration
	MinFreeSpaceMB int
	EventBuffer    int

	raw map[string]string
}

// LoadConfig reads a KEY=VALUE configuration file. Environment variables
// take precedence over file values.
func LoadConfig(configPath string) (*Config, error) {
	if !utils.FileExists(configPath) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	rawValues, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{ConfigPath: configPath, raw: rawValues}
	cfg.loadEnvOverrides()
	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	cfg := &Config{raw: make(map[string]string)}
	cfg.loadEnvOverrides()
	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	c.BackupRoot = filepath.Clean(c.getString("BACKUP_ROOT", DefaultBackupRoot))
	c.IndexDir = c.getString("INDEX_DIR", filepath.Join(c.BackupRoot, "config"))
	c.BlacklistPath = c.getString("BLACKLIST_PATH", filepath.Join(c.IndexDir, "blacklist.json"))
	c.LogPath = c.getString("LOG_PATH", filepath.Join(c.BackupRoot, "log"))
	c.LockPath = c.getString("LOCK_PATH", filepath.Join(c.BackupRoot, ".databackup.lock"))
	c.MetricsPath = c.getString("METRICS_PATH", filepath.Join(c.BackupRoot, "metrics"))
	c.TempDir = c.getString("TEMP_DIR", DefaultTempDir)

	c.BackupUser = c.getInt("BACKUP_USER", 0)
	c.RestoreUser = c.getInt("RESTORE_USER", c.BackupUser)
	c.SelfPackage = c.getString("SELF_PACKAGE", DefaultSelfPackage)

	c.CompressionType = c.getCompressionType("COMPRESSION_TYPE", types.CompressionZstd)
	c.CompressionLevel = c.getInt("COMPRESSION_LEVEL", 3)
	c.BackupStrategy = types.BackupStrategy(strings.ToLower(c.getString("BACKUP_STRATEGY", string(types.StrategyCover))))
	c.BackupTest = c.getBool("BACKUP_TEST", true)
	c.BackupUserDE = c.getBool("BACKUP_USER_DE", true)
	c.BackupData = c.getBool("BACKUP_DATA", true)
	c.BackupOBB = c.getBool("BACKUP_OBB", true)
	c.MaxSnapshots = c.getInt("MAX_SNAPSHOTS", 0)
	c.MediaFolders = c.getStringSlice("MEDIA_FOLDERS", defaultMediaFolders)

	c.AutoFixMultiUserContext = c.getBool("AUTO_FIX_MULTI_USER_CONTEXT", false)
	c.GatewayFSTimeout = c.getDuration("GATEWAY_FS_TIMEOUT", 30*time.Second)
	c.PackageCacheTTL = c.getDuration("PACKAGE_CACHE_TTL", 5*time.Minute)

	c.EncryptArchives = c.getBool("ENCRYPT_ARCHIVES", false)
	c.AgeRecipients = c.getStringSlice("AGE_RECIPIENTS", nil)
	c.AgeIdentityFile = c.getString("AGE_IDENTITY_FILE", "")

	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)
	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.BackupSchedule = c.getString("BACKUP_SCHEDULE", "")
	c.LockStaleAfter = c.getDuration("LOCK_STALE_AFTER", 6*time.Hour)
	c.MinFreeSpaceMB = c.getInt("MIN_FREE_SPACE_MB", 512)
	c.EventBuffer = c.ensurePositiveInt("EVENT_BUFFER", 256)

	return c.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if !c.CompressionType.Valid() {
		return fmt.Errorf("unsupported COMPRESSION_TYPE %q (want tar, lz4 or zstd)", c.CompressionType)
	}
	if !c.BackupStrategy.Valid() {
		return fmt.Errorf("unsupported BACKUP_STRATEGY %q (want cover or bytime)", c.BackupStrategy)
	}
	if c.BackupUser < 0 || c.RestoreUser < 0 {
		return fmt.Errorf("user ids must not be negative (BACKUP_USER=%d, RESTORE_USER=%d)", c.BackupUser, c.RestoreUser)
	}
	if c.MaxSnapshots < 0 {
		return fmt.Errorf("MAX_SNAPSHOTS must not be negative")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return fmt.Errorf("COMPRESSION_LEVEL %d out of range 1-22", c.CompressionLevel)
	}
	return nil
}

// AppDataDir is the root of the per-package backup tree.
func (c *Config) AppDataDir() string {
	return filepath.Join(c.BackupRoot, "data")
}

// MediaDataDir is the root of the per-folder media backup tree.
func (c *Config) MediaDataDir() string {
	return filepath.Join(c.BackupRoot, "media")
}

// IndexPath returns the JSON document path for one index kind.
func (c *Config) IndexPath(kind string) string {
	return filepath.Join(c.IndexDir, kind+".json")
}

// Get returns a raw configuration value.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.raw[key]
	return v, ok
}

// Set overrides a raw configuration value; call Reparse to apply it.
func (c *Config) Set(key, value string) {
	if c.raw == nil {
		c.raw = make(map[string]string)
	}
	c.raw[key] = value
}

// Reparse re-derives typed fields after Set.
func (c *Config) Reparse() error {
	return c.parse()
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok && val != "" {
		return os.ExpandEnv(val)
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if val, ok := c.raw[key]; ok {
		return utils.ParseBool(val)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	if val, ok := c.raw[key]; ok {
		if intVal, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func (c *Config) ensurePositiveInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value <= 0 {
		return defaultValue
	}
	return value
}

// getDuration accepts Go durations ("90s", "6h") or plain seconds.
func (c *Config) getDuration(key string, defaultValue time.Duration) time.Duration {
	val, ok := c.raw[key]
	if !ok || strings.TrimSpace(val) == "" {
		return defaultValue
	}
	val = strings.TrimSpace(val)
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultValue
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	if level, known := logging.ParseLevel(strings.ToLower(strings.TrimSpace(val))); known {
		return level
	}
	return defaultValue
}

func (c *Config) getCompressionType(key string, defaultValue types.CompressionType) types.CompressionType {
	val, ok := c.raw[key]
	if !ok || val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "zst":
		return types.CompressionZstd
	case "none":
		return types.CompressionTar
	default:
		return types.CompressionType(strings.ToLower(val))
	}
}

func (c *Config) getStringSlice(key string, defaultValue []string) []string {
	val, ok := c.raw[key]
	if !ok {
		return append([]string(nil), defaultValue...)
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return []string{}
	}

	parts := strings.FieldsFunc(val, func(r rune) bool {
		switch r {
		case ',', ';', '|', '\n':
			return true
		default:
			return false
		}
	})

	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.Trim(strings.TrimSpace(part), `"'`); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
