// Package config loads the gkflasher.yml configuration: which link to
// use and how it is addressed. CLI flags override file values; the file
// overrides built-in defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ProtocolKLine  = "kline"
	ProtocolCanbus = "canbus"
)

type KLineConfig struct {
	Interface string `yaml:"interface"`
	Baudrate  int    `yaml:"baudrate"`
	TxID      uint16 `yaml:"tx_id"`
	RxID      uint16 `yaml:"rx_id"`
}

type CanbusConfig struct {
	Interface string `yaml:"interface"`
	TxID      uint32 `yaml:"tx_id"`
	RxID      uint32 `yaml:"rx_id"`
}

type Config struct {
	Protocol string       `yaml:"protocol"`
	KLine    KLineConfig  `yaml:"kline"`
	Canbus   CanbusConfig `yaml:"canbus"`
}

// Default is the configuration used when no file is present: a K-line
// adapter on the first USB serial port with the standard OBD addressing.
func Default() *Config {
	return &Config{
		Protocol: ProtocolKLine,
		KLine: KLineConfig{
			Interface: "/dev/ttyUSB0",
			Baudrate:  10400,
			TxID:      0x11F1,
			RxID:      0xF111,
		},
		Canbus: CanbusConfig{
			Interface: "can0",
			TxID:      0x7E0,
			RxID:      0x7E8,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Protocol {
	case ProtocolKLine, ProtocolCanbus:
		return nil
	default:
		return fmt.Errorf("config: unknown protocol %q, expected %q or %q", c.Protocol, ProtocolKLine, ProtocolCanbus)
	}
}
