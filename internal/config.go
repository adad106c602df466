package internal

import (
	"fmt"

	"github.com/hbomb79/Mirage/internal/api"
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/ilyakaznacheev/cleanenv"
)

// MirageConfig is the struct used to contain the
// various user config supplied by file, by the
// environment, or manually inside the code.
type MirageConfig struct {
	Ingest     ingest.Config  `yaml:"ingest" env-prefix:"INGEST_"`
	RestConfig api.RestConfig `yaml:"api"`
	LogLevel   string         `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// LoadFromFile loads a configuration file formatted in YAML in to
// the config. Values found in the environment take priority over
// those in the file.
func (config *MirageConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s - %v", configPath, err.Error())
	}

	return nil
}

// LoadFromEnv populates the config using only the environment, and
// the defaults of each field.
func (config *MirageConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment - %v", err.Error())
	}

	return nil
}
