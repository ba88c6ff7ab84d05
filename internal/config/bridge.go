package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
)

// MCP transports understood by the bridge binary.
const (
	MCPStdio = "stdio"
	MCPHTTP  = "http"
	MCPNone  = "none"
)

// BridgeConfig holds configuration for the syncbridge daemon.
type BridgeConfig struct {
	ConfigFile     string   `yaml:"-"`
	LogLevel       string   `yaml:"log_level"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BridgePort     int      `yaml:"bridge_port"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	Token          string   `yaml:"token"`
	APIKey         string   `yaml:"api_key"`
	RedisAddr      string   `yaml:"redis_addr"`
	MCPTransport   string   `yaml:"mcp_transport"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	CallTimeout      time.Duration `yaml:"call_timeout"`
	ChunkTimeout     time.Duration `yaml:"chunk_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	DeadAfter        time.Duration `yaml:"dead_after"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`

	ChunkSize      int     `yaml:"chunk_size"`
	MaxFrameBytes  int64   `yaml:"max_frame_bytes"`
	MaxPending     int     `yaml:"max_pending"`
	MaxUploads     int     `yaml:"max_uploads"`
	HandshakeRate  float64 `yaml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 9528
	}
	if c.BridgePort == 0 {
		c.BridgePort = 9527
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.MCPTransport == "" {
		c.MCPTransport = MCPStdio
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ChunkTimeout == 0 {
		c.ChunkTimeout = 120 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.DeadAfter == 0 {
		c.DeadAfter = 45 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = chunk.DefaultSize
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 8 << 20
	}
	if c.MaxPending == 0 {
		c.MaxPending = 256
	}
	if c.MaxUploads == 0 {
		c.MaxUploads = 4
	}
	if c.HandshakeRate == 0 {
		c.HandshakeRate = 5
	}
	if c.HandshakeBurst == 0 {
		c.HandshakeBurst = 10
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("HOST", ""); v != "" {
		c.Host = v
	}
	envInt("PORT", &c.Port)
	envInt("BRIDGE_PORT", &c.BridgePort)
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("BRIDGE_TOKEN", ""); v != "" {
		c.Token = v
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("MCP_TRANSPORT", ""); v != "" {
		c.MCPTransport = strings.ToLower(v)
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	envDuration("CALL_TIMEOUT", &c.CallTimeout)
	envDuration("CHUNK_TIMEOUT", &c.ChunkTimeout)
	envDuration("HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	envDuration("PING_INTERVAL", &c.PingInterval)
	envDuration("DEAD_AFTER", &c.DeadAfter)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	envInt("CHUNK_SIZE", &c.ChunkSize)
	envInt("MAX_PENDING", &c.MaxPending)
	envInt("MAX_UPLOADS", &c.MaxUploads)
	if v := GetEnv("MAX_FRAME_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFrameBytes = n
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Host, "host", c.Host, "interface the bridge and HTTP API listen on")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the control API")
	fs.IntVar(&c.BridgePort, "bridge-port", c.BridgePort, "WebSocket listen port for the browser extension")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.Token, "token", c.Token, "shared secret the extension must present in its handshake")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required for /api requests; leave empty to disable auth")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the status store")
	fs.StringVar(&c.MCPTransport, "mcp", c.MCPTransport, "MCP transport for the agent (stdio, http, none)")
	fs.Func("allowed-origins", "comma separated list of allowed origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "default timeout for extension calls")
	fs.DurationVar(&c.ChunkTimeout, "chunk-timeout", c.ChunkTimeout, "timeout for each upload chunk and the completion call")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "time a new connection has to present the token")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between WebSocket pings")
	fs.DurationVar(&c.DeadAfter, "dead-after", c.DeadAfter, "close the connection when a ping is not answered within this duration")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (0 to exit immediately)")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "maximum raw bytes per upload chunk")
	fs.Int64Var(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "maximum size of a frame received from the extension")
	fs.IntVar(&c.MaxPending, "max-pending", c.MaxPending, "maximum number of outstanding calls")
	fs.IntVar(&c.MaxUploads, "max-uploads", c.MaxUploads, "maximum number of concurrent chunked uploads")
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports configuration errors that would prevent the bridge from
// operating.
func (c *BridgeConfig) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required (set --token or BRIDGE_TOKEN)"))
	}
	if c.Port == c.BridgePort {
		errs = append(errs, fmt.Errorf("bridge port %d must differ from the HTTP port", c.BridgePort))
	}
	switch c.MCPTransport {
	case MCPStdio, MCPHTTP, MCPNone:
	default:
		errs = append(errs, fmt.Errorf("unknown MCP transport %q", c.MCPTransport))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	} else if int64(chunk.FrameSize(c.ChunkSize)) > c.MaxFrameBytes {
		errs = append(errs, fmt.Errorf("chunk size %d does not fit a %d byte frame once encoded", c.ChunkSize, c.MaxFrameBytes))
	}
	if c.CallTimeout <= 0 || c.ChunkTimeout <= 0 || c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxPending <= 0 || c.MaxUploads <= 0 {
		errs = append(errs, errors.New("max-pending and max-uploads must be positive"))
	}
	return errors.Join(errs...)
}

// BridgeAddr returns the listen address of the extension endpoint.
func (c *BridgeConfig) BridgeAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.BridgePort) }

// HTTPAddr returns the listen address of the control API.
func (c *BridgeConfig) HTTPAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MetricsOnAPI reports whether /metrics is served by the control API.
func (c *BridgeConfig) MetricsOnAPI() bool {
	return c.MetricsAddr == fmt.Sprintf(":%d", c.Port) || c.MetricsAddr == c.HTTPAddr()
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func envInt(k string, dst *int) {
	if v := GetEnv(k, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(k string, dst *time.Duration) {
	if v := GetEnv(k, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
