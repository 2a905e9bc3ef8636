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
	listenAddr    string
	logFormat     string
	logLevel      string
	metricsAddr   string
	maxFrameSize  int
	requireCRC    bool
	allowFrag     bool
	maxReassembly int
	reassemblyTTL time.Duration
	mdnsEnable    bool
	mdnsName      string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":7891", "UDP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9101); empty disables")
	maxFrameSize := flag.Int("max-frame-size", 65536, "Maximum accepted frame size in bytes")
	requireCRC := flag.Bool("require-crc", false, "Drop any frame that does not carry the CRC flag")
	allowFrag := flag.Bool("allow-fragments", true, "Accept FRAG frames and feed the reassembler")
	maxReassembly := flag.Int("max-reassembly-groups", 1000, "Maximum concurrent reassembly groups (0 = unbounded)")
	reassemblyTTL := flag.Duration("reassembly-ttl", 30*time.Second, "Reassembly group expiry interval")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the listener")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default vstp-udp-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.maxFrameSize = *maxFrameSize
	cfg.requireCRC = *requireCRC
	cfg.allowFrag = *allowFrag
	cfg.maxReassembly = *maxReassembly
	cfg.reassemblyTTL = *reassemblyTTL
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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
	if c.maxReassembly < 0 {
		return fmt.Errorf("max-reassembly-groups must be >= 0")
	}
	if c.reassemblyTTL <= 0 {
		return fmt.Errorf("reassembly-ttl must be > 0")
	}
	return nil
}

func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("VSTP_UDP_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("VSTP_UDP_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("VSTP_UDP_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("VSTP_UDP_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["require-crc"]; !ok {
		if v, ok := get("VSTP_UDP_REQUIRE_CRC"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.requireCRC = true
			case "0", "false", "no", "off":
				c.requireCRC = false
			}
		}
	}
	if _, ok := set["allow-fragments"]; !ok {
		if v, ok := get("VSTP_UDP_ALLOW_FRAGMENTS"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.allowFrag = true
			case "0", "false", "no", "off":
				c.allowFrag = false
			}
		}
	}
	if _, ok := set["max-reassembly-groups"]; !ok {
		if v, ok := get("VSTP_UDP_MAX_REASSEMBLY_GROUPS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxReassembly = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VSTP_UDP_MAX_REASSEMBLY_GROUPS: %w", err)
			}
		}
	}
	if _, ok := set["reassembly-ttl"]; !ok {
		if v, ok := get("VSTP_UDP_REASSEMBLY_TTL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.reassemblyTTL = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VSTP_UDP_REASSEMBLY_TTL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("VSTP_UDP_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("VSTP_UDP_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
