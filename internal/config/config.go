package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Verifier VerifierConfig `mapstructure:"verifier"`

	// Built into the code, not exposed in the config file.
	Defaults DefaultsConfig
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SecurityConfig struct {
	AdminPassword  string   `mapstructure:"admin_password"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`
	LogsDir      string `mapstructure:"logs_dir"`
}

// VerifierConfig points at the browser-automation service that performs
// the actual verification.
type VerifierConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultsConfig holds defaults applied to newly created API keys.
type DefaultsConfig struct {
	KeyExpiryDays int
	HitLimit      int64
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the configuration, creating a default config file
// with a generated admin password on first run.
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	fmt.Println("\n⚠️  Config file not found, creating default config...")

	cfg := &Config{}
	setDefaults(cfg)

	password, err := generateRandomPassword(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin password: %w", err)
	}
	cfg.Security.AdminPassword = password
	fmt.Printf("\n🔑 Generated admin password: %s\n", password)
	fmt.Println("   ⚠️  IMPORTANT: Please save this password!")
	fmt.Println("   It will be needed to access the admin API.")

	if err := SaveConfig(cfg); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Println("\n✅ Config file created: config.yaml")
	}

	return cfg, nil
}

// SaveConfig saves the user-configurable sections to the config file.
func SaveConfig(cfg *Config) error {
	viper.Set("server", cfg.Server)
	viper.Set("security", cfg.Security)
	viper.Set("logging", cfg.Logging)
	viper.Set("storage", cfg.Storage)
	viper.Set("verifier", cfg.Verifier)

	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		configPath = "./config.yaml"
	}

	return viper.WriteConfigAs(configPath)
}

func generateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(raw[i])%len(charset)]
	}
	return string(b), nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/verigate.log"
	}
	// Console output enabled by default
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./data/app.db"
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}

	if cfg.Verifier.BaseURL == "" {
		cfg.Verifier.BaseURL = "http://127.0.0.1:8091"
	}
	if cfg.Verifier.UserAgent == "" {
		cfg.Verifier.UserAgent = "verigate/1.0"
	}
	if cfg.Verifier.Timeout == 0 {
		cfg.Verifier.Timeout = 30 * time.Second
	}

	if cfg.Defaults.KeyExpiryDays == 0 {
		cfg.Defaults.KeyExpiryDays = 30
	}
	if cfg.Defaults.HitLimit == 0 {
		cfg.Defaults.HitLimit = 1000
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	return nil
}
