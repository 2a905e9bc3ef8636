package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr   string
	logFormat    string
	logLevel     string
	metricsAddr  string
	maxFrameSize int
	maxSessions  int
	readTimeout  time.Duration
	tlsCertFile  string
	tlsKeyFile   string
	mdnsEnable   bool
	mdnsName     string
	uuidSessions bool
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":7890", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	maxFrameSize := flag.Int("max-frame-size", 65536, "Maximum accepted frame size in bytes")
	maxSessions := flag.Int("max-sessions", 0, "Maximum simultaneous stream sessions (0 = unlimited)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "Per-connection read deadline")
	tlsCertFile := flag.String("tls-cert", "", "TLS certificate file (enables TLS when set with -tls-key)")
	tlsKeyFile := flag.String("tls-key", "", "TLS private key file")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the listener")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default vstp-tcp-<hostname>)")
	uuidSessions := flag.Bool("uuid-sessions", false, "Use uuid.New() for session ids instead of the local counter")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.maxFrameSize = *maxFrameSize
	cfg.maxSessions = *maxSessions
	cfg.readTimeout = *readTimeout
	cfg.tlsCertFile = *tlsCertFile
	cfg.tlsKeyFile = *tlsKeyFile
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.uuidSessions = *uuidSessions

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
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
	if c.maxFrameSize <= 0 {
		return fmt.Errorf("max-frame-size must be > 0 (got %d)", c.maxFrameSize)
	}
	if c.maxSessions < 0 {
		return fmt.Errorf("max-sessions must be >= 0")
	}
	if c.readTimeout <= 0 {
		return fmt.Errorf("read-timeout must be > 0")
	}
	if (c.tlsCertFile == "") != (c.tlsKeyFile == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}
	return nil
}

// applyEnvOverrides maps VSTP_TCP_* environment variables onto cfg
// unless the corresponding flag was explicitly set on the command line.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("VSTP_TCP_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("VSTP_TCP_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("VSTP_TCP_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("VSTP_TCP_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["max-frame-size"]; !ok {
		if v, ok := get("VSTP_TCP_MAX_FRAME_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxFrameSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VSTP_TCP_MAX_FRAME_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["max-sessions"]; !ok {
		if v, ok := get("VSTP_TCP_MAX_SESSIONS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxSessions = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VSTP_TCP_MAX_SESSIONS: %w", err)
			}
		}
	}
	if _, ok := set["read-timeout"]; !ok {
		if v, ok := get("VSTP_TCP_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.readTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VSTP_TCP_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("VSTP_TCP_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("VSTP_TCP_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
