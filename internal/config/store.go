package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRANSCRIPT_SERVER_PORT.
const EnvPrefix = "TRANSCRIPT"

// legacyEnv maps keys to unprefixed variables that are also honoured.
var legacyEnv = map[string]string{
	"server.port":                "PORT",
	"transcriber.openai.api_key": "OPENAI_API_KEY",
}

// Store loads and persists configuration at one path.
type Store struct {
	path    string
	envFile string
}

// NewStore creates a store for path. An empty path uses defaults and the
// environment only.
func NewStore(path string) *Store {
	return &Store{path: path, envFile: ".env"}
}

// WithEnvFile overrides the dotenv file read before the environment.
func (s *Store) WithEnvFile(path string) *Store {
	s.envFile = path
	return s
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Load layers defaults, the config file, a .env file and the environment.
// A missing config file is not an error.
func (s *Store) Load() (*Config, error) {
	if s.envFile != "" {
		if err := godotenv.Load(s.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", s.envFile, err)
		}
	}

	v := s.newViper()
	if s.path != "" {
		v.SetConfigFile(s.path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to the store path and creates parent directories.
func (s *Store) Save(cfg *Config) error {
	if s.path == "" {
		return errors.New("config path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	v := viper.New()
	toViper(v, cfg)
	if filepath.Ext(s.path) == "" {
		v.SetConfigType("yaml")
	}
	return v.WriteConfigAs(s.path)
}

func (s *Store) newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}
	return v
}
