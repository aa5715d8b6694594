package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajayykmr/faultchat/internal/wire"
)

const (
	defaultDialTimeout = 2500 * time.Millisecond
	minReadTimeout     = 200 * time.Millisecond
)

// Options controls a single exchange with a peer.
type Options struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// ReadTimeout bounds the wait for the response record. Ignored when no
	// reply is expected.
	ReadTimeout time.Duration
	// ExpectReply makes Exchange wait for one response record.
	ExpectReply bool
}

// Client opens one TCP connection per exchange, writes one record and
// optionally reads one record back.
type Client struct {
	logger zerolog.Logger
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient constructs a Client.
func NewClient(logger zerolog.Logger) *Client {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	var d net.Dialer
	return &Client{
		logger: logger.With().Str("component", "transport").Logger(),
		dialer: d.DialContext,
	}
}

// Exchange sends rec to addr. When opts.ExpectReply is set it returns the
// decoded response. All failures are wrapped as transient.
func (c *Client) Exchange(ctx context.Context, addr string, rec wire.Record, opts Options) (*wire.Record, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := c.dialer(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, WrapTransient(fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	readTimeout := opts.ReadTimeout
	if readTimeout < minReadTimeout {
		readTimeout = minReadTimeout
	}
	// The write gets the dial budget; the read deadline is set after it.
	writeDeadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(writeDeadline) {
		writeDeadline = d
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return nil, WrapTransient(err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.Encode(conn, rec); err != nil {
		return nil, WrapTransient(err)
	}
	if !opts.ExpectReply {
		return nil, nil
	}

	readDeadline := time.Now().Add(readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return nil, WrapTransient(err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		if errors.Is(err, wire.ErrEmpty) {
			return nil, WrapTransient(fmt.Errorf("no reply to %s from %s: %w", rec.Type, addr, err))
		}
		return nil, WrapTransient(err)
	}

	c.logger.Trace().
		Str("peer", addr).
		Str("request", string(rec.Type)).
		Str("reply", string(resp.Type)).
		Msg("exchange completed")
	return resp, nil
}

// Send writes rec to addr without waiting for a response.
func (c *Client) Send(ctx context.Context, addr string, rec wire.Record, dialTimeout time.Duration) error {
	_, err := c.Exchange(ctx, addr, rec, Options{DialTimeout: dialTimeout})
	return err
}
