package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajayykmr/faultchat/internal/config"
	"github.com/ajayykmr/faultchat/internal/console"
	"github.com/ajayykmr/faultchat/internal/dedup"
	"github.com/ajayykmr/faultchat/internal/delivery"
	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/kafka/producer"
	kafkapublisher "github.com/ajayykmr/faultchat/internal/kafka/publisher"
	"github.com/ajayykmr/faultchat/internal/listener"
	"github.com/ajayykmr/faultchat/internal/logger"
	"github.com/ajayykmr/faultchat/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(logger.Options{
		Env:   cfg.App.Env,
		Level: cfg.App.LogLevel,
		Node:  cfg.Node.Name,
	})
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "faultchat").Logger()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("node terminated with error")
	}
	log.Info().Msg("node stopped")
}

// run wires the node and blocks until it stops. Deferred cleanup, including
// the producer flush, has finished by the time it returns.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	clk := clock.New()

	faults := fault.New(fault.Settings{
		OutboundDelay:  cfg.Faults.OutboundDelay,
		DropPercent:    cfg.Faults.DropPercent,
		Duplicate:      cfg.Faults.Duplicate,
		CrashBeforeAck: cfg.Faults.CrashBeforeAck,
		InboundDelay:   cfg.Faults.InboundDelay,
		RejectConns:    cfg.Faults.RejectConns,
		AckTimeout:     cfg.Faults.AckTimeout,
		MaxRetries:     cfg.Faults.MaxRetries,
	})

	seen, err := dedup.New(cfg.Dedup.Capacity, clk.Now)
	if err != nil {
		return fmt.Errorf("create dedup cache: %w", err)
	}
	seen.SetEnabled(cfg.Faults.DedupByID)

	client := transport.NewClient(log)

	deps := delivery.Dependencies{
		Transport: client,
		Faults:    faults,
		Dedup:     seen,
		Clock:     clk,
		Logger:    log,
	}
	operatorDeps := console.Dependencies{
		Faults: faults,
		Dedup:  seen,
		Out:    os.Stdout,
		Logger: log,
	}

	if cfg.Kafka.Enabled() {
		prod, err := producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka").Logger(),
			producer.WithMetadataRefreshInterval(cfg.Kafka.MetadataRefresh))
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
			log.Info().
				Bool("ready", prod.IsReady()).
				Int64("dropped", prod.Dropped()).
				Msg("lifecycle export closed")
		}()
		deps.StatusPublisher = kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.StatusTopic, log.With().Str("component", "status-publisher").Logger())
		deps.DLQPublisher = kafkapublisher.NewDLQPublisher(prod, cfg.Kafka.DLQTopic, log.With().Str("component", "dlq-publisher").Logger())
		operatorDeps.Export = prod
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("status_topic", cfg.Kafka.StatusTopic).
			Str("dlq_topic", cfg.Kafka.DLQTopic).
			Bool("ready", prod.IsReady()).
			Msg("lifecycle export enabled")
	}

	engine, err := delivery.New(delivery.Config{
		NodeName:         cfg.Node.Name,
		ListenPort:       cfg.Node.Port,
		PeerAddr:         cfg.PeerAddr(),
		BaseBackoff:      cfg.Retry.BaseBackoff,
		WatchInterval:    cfg.Watcher.Interval,
		ProbeDialTimeout: cfg.Watcher.ProbeDialTimeout,
		ProbeReadTimeout: cfg.Watcher.ProbeReadTimeout,
		SendDialTimeout:  cfg.Timeouts.SendDial,
		DuplicateDelay:   cfg.Timeouts.DuplicateDelay,
	}, deps)
	if err != nil {
		return fmt.Errorf("initialise delivery engine: %w", err)
	}
	engine.SetFailureTreatment(cfg.Faults.FailureTreatment)

	srv, err := listener.New(listener.Config{
		Addr:             cfg.ListenAddr(),
		ReadTimeout:      cfg.Timeouts.InboundRead,
		SecondAckDelay:   cfg.Timeouts.SecondAckDelay,
		SecondAckTimeout: cfg.Timeouts.SecondAckDial,
		MaxHandlers:      cfg.Node.MaxInboundHandlers,
	}, listener.Dependencies{
		Faults:   faults,
		Notifier: engine,
		Sender:   client,
		Clock:    clk,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("initialise listener: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	operatorDeps.Engine = engine
	operator, err := console.New(operatorDeps)
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("initialise console: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return operator.Run(gctx, os.Stdin) })

	log.Info().
		Str("listen", cfg.ListenAddr()).
		Str("peer", cfg.PeerAddr()).
		Bool("simple_mode", cfg.Node.SimpleMode).
		Msg("node started")

	err = g.Wait()
	srv.Wait()
	if err != nil && !errors.Is(err, console.ErrQuit) {
		return err
	}
	return nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("faultchat init failed")
}
