package evdispatch

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
}

type DispatcherConfig struct {
	Name            string `yaml:"name" toml:"name"`
	WakeChannel     string `yaml:"wake_channel" toml:"wake_channel"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
}

type Config struct {
	Global     Global           `yaml:"global" toml:"global"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" toml:"dispatcher"`
}

// LoadConfig reads a .toml or .yaml/.yml file, fills in defaults and
// validates the result.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filePath, err)
	}
	if err = validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = "info"
	}
	return config.Dispatcher.validate()
}

func (c *DispatcherConfig) validate() error {
	if c.Name == "" {
		c.Name = "dispatcher-" + uuid.NewString()
	}
	switch c.WakeChannel {
	case "":
		c.WakeChannel = WakeEventFd
	case WakeEventFd, WakeSocketPair:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownWakeChannel, c.WakeChannel)
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = defEventsBufferSize
	}
	return nil
}
