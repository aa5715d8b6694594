package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for a node.
type Config struct {
	App      AppConfig
	Node     NodeConfig
	Faults   FaultConfig
	Retry    RetryConfig
	Watcher  WatcherConfig
	Dedup    DedupConfig
	Timeouts TimeoutConfig
	Kafka    KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// NodeConfig identifies this node and its single peer.
type NodeConfig struct {
	Name               string
	Host               string
	Port               int
	PeerHost           string
	PeerPort           int
	SimpleMode         bool
	MaxInboundHandlers int
}

// FaultConfig holds the initial value of every fault knob.
type FaultConfig struct {
	OutboundDelay    time.Duration
	DropPercent      int
	Duplicate        bool
	CrashBeforeAck   bool
	InboundDelay     time.Duration
	RejectConns      bool
	AckTimeout       time.Duration
	MaxRetries       int
	FailureTreatment bool
	DedupByID        bool
}

// RetryConfig controls the retry backoff.
type RetryConfig struct {
	BaseBackoff time.Duration
}

// WatcherConfig controls the connectivity watcher.
type WatcherConfig struct {
	Interval         time.Duration
	ProbeDialTimeout time.Duration
	ProbeReadTimeout time.Duration
}

// DedupConfig sizes the inbound dedup cache.
type DedupConfig struct {
	Capacity int
}

// TimeoutConfig contains the network timeouts of both directions.
type TimeoutConfig struct {
	SendDial       time.Duration
	InboundRead    time.Duration
	SecondAckDelay time.Duration
	SecondAckDial  time.Duration
	DuplicateDelay time.Duration
}

// KafkaConfig enables lifecycle export when Brokers is non-empty.
type KafkaConfig struct {
	Brokers         []string
	StatusTopic     string
	DLQTopic        string
	MetadataRefresh time.Duration
}

// Enabled reports whether lifecycle export is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// ListenAddr returns the host:port the listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Node.Host, strconv.Itoa(c.Node.Port))
}

// PeerAddr returns the host:port of the peer.
func (c *Config) PeerAddr() string {
	return net.JoinHostPort(c.Node.PeerHost, strconv.Itoa(c.Node.PeerPort))
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Node.Name = ldr.getString("NODE_NAME", "", true)
	cfg.Node.Host = ldr.getString("NODE_HOST", "127.0.0.1", false)
	cfg.Node.Port = ldr.getInt("NODE_PORT", 0, true)
	cfg.Node.PeerHost = ldr.getString("PEER_HOST", "127.0.0.1", false)
	cfg.Node.PeerPort = ldr.getInt("PEER_PORT", 0, true)
	cfg.Node.SimpleMode = ldr.getBool("SIMPLE_MODE", true, false)
	cfg.Node.MaxInboundHandlers = ldr.getInt("MAX_INBOUND_HANDLERS", 64, false)

	ackDefault, retriesDefault := 3000, 3
	if cfg.Node.SimpleMode {
		ackDefault, retriesDefault = 1500, 4
	}

	cfg.Faults.OutboundDelay = ldr.getMillis("OUTBOUND_DELAY_MS", 0)
	cfg.Faults.DropPercent = ldr.getInt("DROP_PCT", 0, false)
	cfg.Faults.Duplicate = ldr.getBool("DUPLICATE", false, false)
	cfg.Faults.CrashBeforeAck = ldr.getBool("CRASH_BEFORE_ACK", false, false)
	cfg.Faults.InboundDelay = ldr.getMillis("INBOUND_DELAY_MS", 0)
	cfg.Faults.RejectConns = ldr.getBool("REJECT_CONNS", false, false)
	cfg.Faults.AckTimeout = ldr.getMillis("ACK_TIMEOUT_MS", ackDefault)
	cfg.Faults.MaxRetries = ldr.getInt("MAX_RETRIES", retriesDefault, false)
	cfg.Faults.FailureTreatment = ldr.getBool("FAILURE_TREATMENT", false, false)
	cfg.Faults.DedupByID = ldr.getBool("DEDUP_BY_ID", true, false)

	cfg.Retry.BaseBackoff = ldr.getMillis("BASE_BACKOFF_MS", 1000)

	cfg.Watcher.Interval = ldr.getMillis("WATCH_INTERVAL_MS", 500)
	cfg.Watcher.ProbeDialTimeout = ldr.getMillis("PROBE_DIAL_TIMEOUT_MS", 800)
	cfg.Watcher.ProbeReadTimeout = ldr.getMillis("PROBE_READ_TIMEOUT_MS", 600)

	cfg.Dedup.Capacity = ldr.getInt("DEDUP_CAPACITY", 1000, false)

	cfg.Timeouts.SendDial = ldr.getMillis("SEND_DIAL_TIMEOUT_MS", 2500)
	cfg.Timeouts.InboundRead = ldr.getMillis("INBOUND_READ_TIMEOUT_MS", 2000)
	cfg.Timeouts.SecondAckDelay = ldr.getMillis("SECOND_ACK_DELAY_MS", 100)
	cfg.Timeouts.SecondAckDial = ldr.getMillis("SECOND_ACK_DIAL_TIMEOUT_MS", 2000)
	cfg.Timeouts.DuplicateDelay = ldr.getMillis("DUPLICATE_DELAY_MS", 50)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "faultchat.status", false)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "faultchat.dlq", false)
	cfg.Kafka.MetadataRefresh = ldr.getMillis("KAFKA_METADATA_REFRESH_MS", 30000)

	ldr.checkPort("NODE_PORT", cfg.Node.Port)
	ldr.checkPort("PEER_PORT", cfg.Node.PeerPort)
	ldr.checkRange("DROP_PCT", cfg.Faults.DropPercent, 0, 100)
	ldr.checkRange("MAX_RETRIES", cfg.Faults.MaxRetries, 0, 1000)
	ldr.checkRange("DEDUP_CAPACITY", cfg.Dedup.Capacity, 1, 1<<20)
	ldr.checkRange("MAX_INBOUND_HANDLERS", cfg.Node.MaxInboundHandlers, 1, 1<<16)
	if cfg.Faults.AckTimeout <= 0 {
		ldr.addError("ACK_TIMEOUT_MS must be positive")
	}
	if cfg.Retry.BaseBackoff <= 0 {
		ldr.addError("BASE_BACKOFF_MS must be positive")
	}
	if cfg.Watcher.Interval <= 0 {
		ldr.addError("WATCH_INTERVAL_MS must be positive")
	}
	if cfg.Kafka.MetadataRefresh <= 0 {
		ldr.addError("KAFKA_METADATA_REFRESH_MS must be positive")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

// getMillis reads a non-negative integer number of milliseconds.
func (l *envLoader) getMillis(key string, defMs int) time.Duration {
	ms := l.getInt(key, defMs, false)
	if ms < 0 {
		l.addError(fmt.Sprintf("%s must not be negative", key))
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) checkPort(key string, port int) {
	if port < 1 || port > 65535 {
		l.addError(fmt.Sprintf("%s must be between 1 and 65535", key))
	}
}

func (l *envLoader) checkRange(key string, v, lo, hi int) {
	if v < lo || v > hi {
		l.addError(fmt.Sprintf("%s must be between %d and %d", key, lo, hi))
	}
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
