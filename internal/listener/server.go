// Package listener accepts inbound peer connections and answers them
// according to the live fault configuration.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/transport"
	"github.com/ajayykmr/faultchat/internal/wire"
)

const (
	defaultReadTimeout      = 2 * time.Second
	defaultSecondAckDelay   = 100 * time.Millisecond
	defaultSecondAckTimeout = 2 * time.Second
	defaultMaxHandlers      = 64
)

// Notifier receives decoded inbound events. Implementations must not block
// for long and must not assume they run on any particular goroutine.
type Notifier interface {
	// Received is called for every inbound MSG, duplicates included.
	Received(sender, id, text string)
	// SecondAck is called for every inbound DELIVERED.
	SecondAck(id string)
	// Info is called for records of unrecognised type.
	Info(msgType, raw string)
}

// Sender delivers the fire-and-forget second acknowledgment.
type Sender interface {
	Send(ctx context.Context, addr string, rec wire.Record, dialTimeout time.Duration) error
}

// Config contains the listener settings.
type Config struct {
	// Addr is the host:port to bind.
	Addr string
	// ReadTimeout bounds the wait for the single inbound record.
	ReadTimeout time.Duration
	// SecondAckDelay is the pause before the DELIVERED leg is opened.
	SecondAckDelay time.Duration
	// SecondAckTimeout bounds the dial of the DELIVERED leg.
	SecondAckTimeout time.Duration
	// MaxHandlers bounds concurrently running connection handlers.
	MaxHandlers int
}

// Dependencies collects the runtime collaborators of the server.
type Dependencies struct {
	Faults   *fault.Injector
	Notifier Notifier
	Sender   Sender
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Server runs the accept loop and one handler per connection.
type Server struct {
	cfg      Config
	faults   *fault.Injector
	notifier Notifier
	sender   Sender
	clock    clock.Clock
	logger   zerolog.Logger
	sem      *semaphore.Weighted

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New validates the configuration and constructs a Server.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("listener: address must be provided")
	}
	if deps.Faults == nil {
		return nil, errors.New("listener: fault injector dependency is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("listener: notifier dependency is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("listener: sender dependency is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.SecondAckDelay < 0 {
		cfg.SecondAckDelay = defaultSecondAckDelay
	}
	if cfg.SecondAckTimeout <= 0 {
		cfg.SecondAckTimeout = defaultSecondAckTimeout
	}
	if cfg.MaxHandlers < 1 {
		cfg.MaxHandlers = defaultMaxHandlers
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Server{
		cfg:      cfg,
		faults:   deps.Faults,
		notifier: deps.Notifier,
		sender:   deps.Sender,
		clock:    clk,
		logger:   logger.With().Str("component", "listener").Logger(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxHandlers)),
	}, nil
}

// Listen binds the configured address. It must be called before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Serve accepts connections until ctx is cancelled. Handlers already running
// are left to finish on their own deadlines.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("listener: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until every running handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	rec, err := wire.Decode(conn)
	if err != nil {
		s.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Err(transport.WrapPermanent(err)).
			Msg("discarding inbound connection without a usable record")
		return
	}
	if err := rec.Validate(); err != nil {
		s.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Err(transport.WrapPermanent(err)).
			Msg("discarding invalid inbound record")
		return
	}

	// PING is answered before the general rejection gate, but the same flag
	// still silences it.
	if rec.Type == wire.TypePing {
		if s.faults.RejectConns() {
			return
		}
		s.reply(conn, wire.Pong())
		return
	}

	if s.faults.RejectConns() {
		s.logger.Debug().Str("type", string(rec.Type)).Msg("rejecting connection (simulated partition)")
		return
	}

	if delay := s.faults.InboundDelay(); delay > 0 {
		s.clock.Sleep(delay)
	}

	switch rec.Type {
	case wire.TypeMsg:
		s.handleMessage(ctx, conn, rec)
	case wire.TypeDelivered:
		s.notifier.SecondAck(rec.ID)
	default:
		s.notifier.Info(string(rec.Type), string(rec.Raw))
	}
}

func (s *Server) handleMessage(ctx context.Context, conn net.Conn, rec *wire.Record) {
	s.notifier.Received(rec.Sender, rec.ID, rec.Text)

	if s.faults.CrashBeforeAck() {
		s.logger.Debug().Str("message_id", rec.ID).Msg("closing before ACK (simulated crash)")
		return
	}

	if !s.reply(conn, wire.Ack(rec.ID)) {
		return
	}

	if rec.ReplyToPort <= 0 {
		return
	}

	s.clock.Sleep(s.cfg.SecondAckDelay)

	host := "127.0.0.1"
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		host = tcp.IP.String()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(rec.ReplyToPort))

	// The leg outlives shutdown; it is bounded by its own dial timeout.
	if err := s.sender.Send(context.WithoutCancel(ctx), addr, wire.Delivered(rec.ID), s.cfg.SecondAckTimeout); err != nil {
		s.logger.Debug().
			Str("message_id", rec.ID).
			Str("addr", addr).
			Err(err).
			Msg("second acknowledgment not delivered")
	}
}

func (s *Server) reply(conn net.Conn, rec wire.Record) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := wire.Encode(conn, rec); err != nil {
		s.logger.Debug().Str("type", string(rec.Type)).Err(err).Msg("reply failed")
		return false
	}
	return true
}
