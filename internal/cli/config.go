package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/internal/paths"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "WORKBOOK"

	cfgKeyBackend           = "backend"
	cfgKeyDataDir           = "data_dir"
	cfgKeyUser              = "user"
	cfgKeySyncStrategy      = "sync_strategy"
	cfgKeyBatchSize         = "batch_size"
	cfgKeyBatchInterval     = "batch_interval"
	cfgKeyAPIBaseURL        = "api.base_url"
	cfgKeyAPIToken          = "api.token"
	cfgKeyAPITimeout        = "api.timeout"
	cfgKeyAPIMaxRetries     = "api.max_retries"
	cfgKeyMigrateDelay      = "migrate.start_delay"
	cfgKeyMigrateDelete     = "migrate.delete_local"
	cfgKeyMigrateSteps      = "migrate.workbook_steps"
	cfgKeyMigrateVariants   = "migrate.sales_page_variants"
	cfgKeyAutoSaveDelay     = "autosave_delay"
	cfgKeyLogLevel          = "log.level"
	cfgKeyLogFormat         = "log.format"
	defaultAPIMaxRetries    = 3
	defaultAutoSaveDelaySec = 2
)

// configFile is the structure written to config.yaml on first run. The API
// token is never written; it comes from WORKBOOK_API_TOKEN or .env.
type configFile struct {
	Backend      string `yaml:"backend"`
	DataDir      string `yaml:"data_dir,omitempty"`
	User         string `yaml:"user,omitempty"`
	SyncStrategy string `yaml:"sync_strategy"`
	API          struct {
		BaseURL    string `yaml:"base_url"`
		Timeout    string `yaml:"timeout"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"api"`
	Migrate struct {
		StartDelay        string   `yaml:"start_delay"`
		DeleteLocal       bool     `yaml:"delete_local"`
		WorkbookSteps     int      `yaml:"workbook_steps"`
		SalesPageVariants []string `yaml:"sales_page_variants"`
	} `yaml:"migrate"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaultConfigFile() configFile {
	var c configFile
	c.Backend = types.BackendSQLite
	c.SyncStrategy = types.SyncImmediate
	c.API.Timeout = types.DefaultAPITimeout.String()
	c.API.MaxRetries = defaultAPIMaxRetries
	c.Migrate.StartDelay = types.DefaultStartDelay.String()
	c.Migrate.WorkbookSteps = types.DefaultWorkbookSteps
	c.Migrate.SalesPageVariants = []string{"default"}
	c.Log.Level = "info"
	c.Log.Format = logging.FormatConsole
	return c
}

// loadConfig reads config.yaml from configDir. A missing file or directory
// is not an error; defaults apply until "workbook init" writes one.
// Variables from configDir/.env are loaded into the environment first, and
// variables already set win. WORKBOOK_* variables override file values.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := godotenv.Load(filepath.Join(configDir, paths.EnvFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", paths.EnvFileName, err)
	}

	v := viper.New()
	def := defaultConfigFile()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeySyncStrategy, def.SyncStrategy)
	v.SetDefault(cfgKeyBatchSize, types.DefaultBatchSize)
	v.SetDefault(cfgKeyBatchInterval, types.DefaultBatchInterval)
	v.SetDefault(cfgKeyAPIBaseURL, "")
	v.SetDefault(cfgKeyAPIToken, "")
	v.SetDefault(cfgKeyAPITimeout, def.API.Timeout)
	v.SetDefault(cfgKeyAPIMaxRetries, def.API.MaxRetries)
	v.SetDefault(cfgKeyMigrateDelay, def.Migrate.StartDelay)
	v.SetDefault(cfgKeyMigrateDelete, false)
	v.SetDefault(cfgKeyMigrateSteps, def.Migrate.WorkbookSteps)
	v.SetDefault(cfgKeyMigrateVariants, def.Migrate.SalesPageVariants)
	v.SetDefault(cfgKeyAutoSaveDelay, time.Duration(defaultAutoSaveDelaySec)*time.Second)
	v.SetDefault(cfgKeyUser, "")
	v.SetDefault(cfgKeyDataDir, "")
	v.SetDefault(cfgKeyLogLevel, def.Log.Level)
	v.SetDefault(cfgKeyLogFormat, def.Log.Format)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// writeConfigIfMissing creates config.yaml with default values if the file
// does not exist. If it already exists, the function returns nil.
func writeConfigIfMissing(path, dataDir string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config file: %w", err)
	}

	cfg := defaultConfigFile()
	cfg.DataDir = dataDir
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// buildConfig turns the loaded settings into a types.Config, resolving the
// data directory and applying --ephemeral.
func buildConfig(v *viper.Viper) (types.Config, error) {
	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := types.Config{
		Backend: v.GetString(cfgKeyBackend),
		DataDir: dataDir,
		SQLiteConfig: types.SQLiteConfig{
			SyncStrategy:  v.GetString(cfgKeySyncStrategy),
			BatchSize:     v.GetInt(cfgKeyBatchSize),
			BatchInterval: v.GetInt(cfgKeyBatchInterval),
		},
		API: types.APIConfig{
			BaseURL:    v.GetString(cfgKeyAPIBaseURL),
			Token:      v.GetString(cfgKeyAPIToken),
			Timeout:    v.GetDuration(cfgKeyAPITimeout),
			MaxRetries: v.GetInt(cfgKeyAPIMaxRetries),
		},
		Migrate: types.MigrateConfig{
			StartDelay:        v.GetDuration(cfgKeyMigrateDelay),
			DeleteLocal:       v.GetBool(cfgKeyMigrateDelete),
			WorkbookSteps:     v.GetInt(cfgKeyMigrateSteps),
			SalesPageVariants: v.GetStringSlice(cfgKeyMigrateVariants),
		},
	}
	if flags.ephemeral {
		cfg.Backend = types.BackendMemory
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
