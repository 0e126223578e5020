package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of one node.
type Config struct {
	// Index is the node's 1 based position in the committee.
	Index  int    `yaml:"index"`
	Listen string `yaml:"listen"`
	// Key is the hex private key key shares and masks are encrypted to.
	Key       string          `yaml:"key"`
	Committee CommitteeConfig `yaml:"committee"`
	// StoreDir is the badger directory of the key records. Records are kept in memory when empty.
	StoreDir string `yaml:"storeDir"`
	// Verifiers maps a verifier name to the hex public key signing its users' refreshes.
	Verifiers map[string]string `yaml:"verifiers"`
	Log       LogConfig         `yaml:"log"`
}

type CommitteeConfig struct {
	Size      int `yaml:"size"`
	Threshold int `yaml:"threshold"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// File enables rotated file output next to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Committee.Size < 1 || c.Committee.Threshold < 1 || c.Committee.Threshold > c.Committee.Size {
		return fmt.Errorf("invalid committee: threshold %d of %d", c.Committee.Threshold, c.Committee.Size)
	}
	if c.Index < 1 || c.Index > c.Committee.Size {
		return fmt.Errorf("index %d outside committee of %d", c.Index, c.Committee.Size)
	}
	if c.Key == "" {
		return errors.New("missing node key")
	}
	if len(c.Verifiers) == 0 {
		return errors.New("no verifier keys, refreshes would be unauthenticated")
	}
	return nil
}

// NodeKey parses the node's private key.
func (c *Config) NodeKey() (curve.Scalar, error) {
	key, err := curve.ScalarFromHex(curve.Secp256k1{}, c.Key)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	if key.IsZero() {
		return nil, errors.New("node key is zero")
	}
	return key, nil
}

// VerifierKeys parses the verifier public keys.
func (c *Config) VerifierKeys() (map[string]curve.Point, error) {
	out := make(map[string]curve.Point, len(c.Verifiers))
	for name, h := range c.Verifiers {
		pub, err := curve.PointFromHex(curve.Secp256k1{}, h)
		if err != nil {
			return nil, fmt.Errorf("verifier %s: %w", name, err)
		}
		out[name] = pub
	}
	return out, nil
}
