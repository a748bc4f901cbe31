package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type appConfig struct {
	device          string
	primaryAddress  uint8
	pollInterval    int // seconds; 0 disables polling
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	writeTimeout    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// fileConfig mirrors the optional YAML configuration file. File values sit
// below environment variables and explicit flags.
type fileConfig struct {
	Device          string `yaml:"device"`
	PrimaryAddress  string `yaml:"primary_address"`
	PollInterval    *int   `yaml:"poll_interval_seconds"`
	Listen          string `yaml:"listen"`
	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
	MetricsAddr     string `yaml:"metrics_addr"`
	HubBuffer       *int   `yaml:"hub_buffer"`
	HubPolicy       string `yaml:"hub_policy"`
	MaxClients      *int   `yaml:"max_clients"`
	WriteTimeout    string `yaml:"write_timeout"`
	LogMetricsEvery string `yaml:"log_metrics_interval"`
	MDNSEnable      *bool  `yaml:"mdns_enable"`
	MDNSName        string `yaml:"mdns_name"`
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	device := flag.String("device", "/dev/ttyUSB0", "Serial device path of the IR probe")
	primaryAddr := flag.String("address", "0xFE", "Meter primary address (decimal or 0x-prefixed hex)")
	pollInterval := flag.Int("poll-interval", 60, "Poll interval in seconds (0 disables polling, else 10..3600)")
	listen := flag.String("listen", ":20001", "TCP readout-stream listen address; empty disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 16, "Per-client hub buffer (readouts)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	writeTimeout := flag.Duration("write-timeout", 10*time.Second, "Per-connection write deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default meter-server-<hostname>)")
	configFile := flag.String("config", "", "Optional YAML configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over
	// file and env values.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.device = *device
	cfg.pollInterval = *pollInterval
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.writeTimeout = *writeTimeout
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	addrStr := *primaryAddr
	if err := applyFileConfig(cfg, &addrStr, *configFile, setFlags); err != nil {
		fmt.Printf("configuration file error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyEnvOverrides(cfg, &addrStr, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	addr, err := parsePrimaryAddress(addrStr)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	cfg.primaryAddress = addr
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parsePrimaryAddress accepts decimal or 0x-prefixed hex in 0..255.
func parsePrimaryAddress(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid primary address %q: %w", s, err)
	}
	if v > 0xFF {
		return 0, fmt.Errorf("primary address %q out of range 0..255", s)
	}
	return uint8(v), nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.device == "" {
		return errors.New("device must not be empty")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.pollInterval != 0 && (c.pollInterval < 10 || c.pollInterval > 3600) {
		return fmt.Errorf("poll-interval must be 0 or 10..3600 seconds (got %d)", c.pollInterval)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.writeTimeout <= 0 {
		return fmt.Errorf("write-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyFileConfig merges a YAML file into fields not explicitly set by
// flags. Environment variables are applied afterwards and so still win
// over the file.
func applyFileConfig(c *appConfig, addrStr *string, path string, set map[string]struct{}) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if _, ok := set["device"]; !ok && fc.Device != "" {
		c.device = fc.Device
	}
	if _, ok := set["address"]; !ok && fc.PrimaryAddress != "" {
		*addrStr = fc.PrimaryAddress
	}
	if _, ok := set["poll-interval"]; !ok && fc.PollInterval != nil {
		c.pollInterval = *fc.PollInterval
	}
	if _, ok := set["listen"]; !ok && fc.Listen != "" {
		c.listenAddr = fc.Listen
	}
	if _, ok := set["log-format"]; !ok && fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fc.MetricsAddr != "" {
		c.metricsAddr = fc.MetricsAddr
	}
	if _, ok := set["hub-buffer"]; !ok && fc.HubBuffer != nil {
		c.hubBuffer = *fc.HubBuffer
	}
	if _, ok := set["hub-policy"]; !ok && fc.HubPolicy != "" {
		c.hubPolicy = fc.HubPolicy
	}
	if _, ok := set["max-clients"]; !ok && fc.MaxClients != nil {
		c.maxClients = *fc.MaxClients
	}
	if _, ok := set["write-timeout"]; !ok && fc.WriteTimeout != "" {
		d, err := time.ParseDuration(fc.WriteTimeout)
		if err != nil {
			return fmt.Errorf("invalid write_timeout: %w", err)
		}
		c.writeTimeout = d
	}
	if _, ok := set["log-metrics-interval"]; !ok && fc.LogMetricsEvery != "" {
		d, err := time.ParseDuration(fc.LogMetricsEvery)
		if err != nil {
			return fmt.Errorf("invalid log_metrics_interval: %w", err)
		}
		c.logMetricsEvery = d
	}
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fc.MDNSName != "" {
		c.mdnsName = fc.MDNSName
	}
	return nil
}

// applyEnvOverrides maps MBUS_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored, except for MBUS_SERVER_LISTEN and MBUS_SERVER_METRICS, where an
// empty value is applied and disables that listener. Duration accepts Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, addrStr *string, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["device"]; !ok {
		if v, ok := get("MBUS_SERVER_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if _, ok := set["address"]; !ok {
		if v, ok := get("MBUS_SERVER_ADDRESS"); ok && v != "" {
			*addrStr = v
		}
	}
	if _, ok := set["poll-interval"]; !ok {
		if v, ok := get("MBUS_SERVER_POLL_INTERVAL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.pollInterval = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MBUS_SERVER_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("MBUS_SERVER_LISTEN"); ok {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("MBUS_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("MBUS_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("MBUS_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("MBUS_SERVER_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MBUS_SERVER_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("MBUS_SERVER_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("MBUS_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MBUS_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["write-timeout"]; !ok {
		if v, ok := get("MBUS_SERVER_WRITE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.writeTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MBUS_SERVER_WRITE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("MBUS_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("MBUS_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("MBUS_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MBUS_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
