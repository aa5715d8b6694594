package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("NODE_NAME", "alice")
	t.Setenv("NODE_PORT", "9001")
	t.Setenv("PEER_PORT", "9002")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Env != "development" || cfg.App.LogLevel != "info" {
		t.Fatalf("unexpected app config: %+v", cfg.App)
	}
	if cfg.ListenAddr() != "127.0.0.1:9001" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr())
	}
	if cfg.PeerAddr() != "127.0.0.1:9002" {
		t.Fatalf("unexpected peer addr %q", cfg.PeerAddr())
	}
	if !cfg.Node.SimpleMode {
		t.Fatalf("simple mode should be on by default")
	}
	if cfg.Faults.AckTimeout != 1500*time.Millisecond || cfg.Faults.MaxRetries != 4 {
		t.Fatalf("unexpected simple mode defaults: %+v", cfg.Faults)
	}
	if !cfg.Faults.DedupByID || cfg.Faults.FailureTreatment {
		t.Fatalf("unexpected toggles: %+v", cfg.Faults)
	}
	if cfg.Retry.BaseBackoff != time.Second {
		t.Fatalf("unexpected base backoff %s", cfg.Retry.BaseBackoff)
	}
	if cfg.Watcher.Interval != 500*time.Millisecond ||
		cfg.Watcher.ProbeDialTimeout != 800*time.Millisecond ||
		cfg.Watcher.ProbeReadTimeout != 600*time.Millisecond {
		t.Fatalf("unexpected watcher config: %+v", cfg.Watcher)
	}
	if cfg.Dedup.Capacity != 1000 {
		t.Fatalf("unexpected dedup capacity %d", cfg.Dedup.Capacity)
	}
	if cfg.Timeouts.SendDial != 2500*time.Millisecond ||
		cfg.Timeouts.InboundRead != 2*time.Second ||
		cfg.Timeouts.SecondAckDelay != 100*time.Millisecond ||
		cfg.Timeouts.SecondAckDial != 2*time.Second ||
		cfg.Timeouts.DuplicateDelay != 50*time.Millisecond {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka export should be disabled without brokers")
	}
	if cfg.Kafka.MetadataRefresh != 30*time.Second {
		t.Fatalf("unexpected metadata refresh %s", cfg.Kafka.MetadataRefresh)
	}
}

func TestLoadFullModeDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("SIMPLE_MODE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Faults.AckTimeout != 3*time.Second || cfg.Faults.MaxRetries != 3 {
		t.Fatalf("unexpected full mode defaults: %+v", cfg.Faults)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DROP_PCT", "25")
	t.Setenv("OUTBOUND_DELAY_MS", "300")
	t.Setenv("REJECT_CONNS", "true")
	t.Setenv("ACK_TIMEOUT_MS", "750")
	t.Setenv("MAX_RETRIES", "6")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("KAFKA_STATUS_TOPIC", "status")
	t.Setenv("KAFKA_METADATA_REFRESH_MS", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Faults.DropPercent != 25 || cfg.Faults.OutboundDelay != 300*time.Millisecond || !cfg.Faults.RejectConns {
		t.Fatalf("fault overrides not applied: %+v", cfg.Faults)
	}
	if cfg.Faults.AckTimeout != 750*time.Millisecond || cfg.Faults.MaxRetries != 6 {
		t.Fatalf("timeout overrides not applied: %+v", cfg.Faults)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.StatusTopic != "status" || cfg.Kafka.DLQTopic != "faultchat.dlq" {
		t.Fatalf("unexpected topics: %+v", cfg.Kafka)
	}
	if cfg.Kafka.MetadataRefresh != 5*time.Second {
		t.Fatalf("unexpected metadata refresh %s", cfg.Kafka.MetadataRefresh)
	}
}

func TestLoadAccumulatesErrors(t *testing.T) {
	t.Setenv("NODE_NAME", "")
	t.Setenv("NODE_PORT", "70000")
	t.Setenv("PEER_PORT", "abc")
	t.Setenv("DROP_PCT", "101")
	t.Setenv("SIMPLE_MODE", "maybe")
	t.Setenv("BASE_BACKOFF_MS", "-5")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{
		"NODE_NAME is required",
		"NODE_PORT must be between 1 and 65535",
		"PEER_PORT must be a valid integer",
		"DROP_PCT must be between 0 and 100",
		"SIMPLE_MODE must be a valid boolean",
		"BASE_BACKOFF_MS must not be negative",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %q, got %v", want, err)
		}
	}
}
