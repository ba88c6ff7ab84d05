package config

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PeerConfig holds configuration for the reference extension peer.
type PeerConfig struct {
	ConfigFile   string `yaml:"-"`
	LogLevel     string `yaml:"log_level"`
	BridgeURL    string `yaml:"bridge_url"`
	Token        string `yaml:"token"`
	Name         string `yaml:"name"`
	UploadDir    string `yaml:"upload_dir"`
	FixtureFile  string `yaml:"fixture_file"`
	Reconnect    bool   `yaml:"reconnect"`
	MaxFrameSize int64  `yaml:"max_frame_bytes"`
}

// SetDefaults initializes c with built-in defaults.
func (c *PeerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BridgeURL == "" {
		c.BridgeURL = "ws://127.0.0.1:9527"
	}
	if c.Name == "" {
		if h, err := os.Hostname(); err == nil {
			c.Name = h
		} else {
			c.Name = "syncbridge-peer"
		}
	}
	if c.UploadDir == "" {
		c.UploadDir = os.TempDir()
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 8 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("peer.yaml")
	}
	c.Reconnect = true
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *PeerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("BRIDGE_URL", ""); v != "" {
		c.BridgeURL = v
	}
	if v := GetEnv("BRIDGE_TOKEN", ""); v != "" {
		c.Token = v
	}
	if v := GetEnv("PEER_NAME", ""); v != "" {
		c.Name = v
	}
	if v := GetEnv("UPLOAD_DIR", ""); v != "" {
		c.UploadDir = v
	}
	if v := GetEnv("FIXTURE_FILE", ""); v != "" {
		c.FixtureFile = v
	}
	if v := GetEnv("RECONNECT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reconnect = b
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults.
func (c *PeerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "peer config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "bridge WebSocket URL")
	fs.StringVar(&c.Token, "token", c.Token, "shared secret presented in the handshake")
	fs.StringVar(&c.Name, "name", c.Name, "peer name reported to the bridge")
	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "directory where completed uploads are written")
	fs.StringVar(&c.FixtureFile, "fixtures", c.FixtureFile, "YAML file with canned method responses")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect automatically when the connection drops")
}

// LoadFile populates the config from a YAML file.
func (c *PeerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports configuration errors.
func (c *PeerConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required (set --token or BRIDGE_TOKEN)")
	}
	if c.BridgeURL == "" {
		return errors.New("bridge url is required")
	}
	return nil
}
