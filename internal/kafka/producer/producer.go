// Package producer wraps the Sarama async producer used to export delivery
// lifecycle events.
package producer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const defaultMetadataRefreshInterval = 30 * time.Second

// ErrBufferFull is returned by PublishAsync when the producer input queue
// cannot take another message without blocking.
var ErrBufferFull = errors.New("kafka producer: async input buffer full")

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	refreshInterval time.Duration
}

// WithMetadataRefreshInterval sets how often cluster metadata is refreshed.
// A failed refresh marks the producer not ready until the next success.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// metadataClient is the part of sarama.Client the producer keeps alive.
type metadataClient interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

// Producer publishes without ever waiting on the broker. Delivery failures
// arrive on the Sarama error channel and are logged.
type Producer struct {
	logger zerolog.Logger

	client        metadataClient
	asyncProducer sarama.AsyncProducer

	refreshInterval time.Duration

	ready   atomic.Bool
	dropped atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New connects to brokers and starts the async producer.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	brokers = compactBrokers(brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := options{refreshInterval: defaultMetadataRefreshInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	client, err := sarama.NewClient(brokers, newSaramaConfig(settings.refreshInterval))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	asyncProd, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create async producer: %w", err)
	}

	return start(client, asyncProd, logger, settings.refreshInterval), nil
}

func start(client metadataClient, asyncProd sarama.AsyncProducer, logger zerolog.Logger, refresh time.Duration) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if refresh <= 0 {
		refresh = defaultMetadataRefreshInterval
	}

	p := &Producer{
		logger:          logger.With().Str("component", "kafka_producer").Logger(),
		client:          client,
		asyncProducer:   asyncProd,
		refreshInterval: refresh,
		stopCh:          make(chan struct{}),
	}

	if err := client.RefreshMetadata(); err != nil {
		p.logger.Warn().Err(err).Msg("initial metadata refresh failed, export not ready")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(2)
	go p.watchMetadata()
	go p.consumeAsyncErrors()

	return p
}

// PublishAsync hands one message to Sarama. It fails with ErrBufferFull
// instead of blocking the caller.
func (p *Producer) PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("kafka producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return ErrBufferFull
	}
}

// IsReady reports whether the last metadata refresh succeeded and no
// delivery error has been seen since.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Dropped returns how many events were refused with ErrBufferFull.
func (p *Producer) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes pending messages and stops background goroutines. It is safe
// to call more than once.
func (p *Producer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		if err := p.asyncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		p.wg.Wait()
		if err := p.client.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			err := p.client.RefreshMetadata()
			wasReady := p.ready.Swap(err == nil)
			switch {
			case err != nil && wasReady:
				p.logger.Warn().Err(err).Msg("metadata refresh failed, export not ready")
			case err == nil && !wasReady:
				p.logger.Info().Msg("export ready")
			}
		}
	}
}

// consumeAsyncErrors drains the error channel until the async producer closes
// it.
func (p *Producer) consumeAsyncErrors() {
	defer p.wg.Done()

	for perr := range p.asyncProducer.Errors() {
		p.ready.Store(false)
		if perr == nil {
			continue
		}
		topic := ""
		if perr.Msg != nil {
			topic = perr.Msg.Topic
		}
		p.logger.Error().
			Err(perr.Err).
			Str("topic", topic).
			Msg("kafka producer async error")
	}
}

func compactBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: append([]byte(nil), v...),
		})
	}
	return out
}

func newSaramaConfig(refresh time.Duration) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "faultchat"
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.Idempotent = true
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.ChannelBufferSize = 1024
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = false
	cfg.Metadata.RefreshFrequency = refresh
	return cfg
}
