// Package console is the operator's line-oriented control surface: plain
// lines are sent as messages and slash commands adjust faults or inspect the
// outbox.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ajayykmr/faultchat/internal/dedup"
	"github.com/ajayykmr/faultchat/internal/delivery"
	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/models"
)

const maxTextRunes = 64

// ErrQuit is returned by Execute and Run when the operator asks to stop.
var ErrQuit = errors.New("console: quit")

// Engine is the part of the delivery engine the console drives.
type Engine interface {
	Originate(text string) string
	SetFailureTreatment(on bool)
	FailureTreatment() bool
	Snapshot(ctx context.Context) (delivery.Snapshot, error)
}

// Exporter reports the health of lifecycle export.
type Exporter interface {
	IsReady() bool
	Dropped() int64
}

// Dependencies collects the collaborators controlled by the console. Export
// is nil when lifecycle export is disabled.
type Dependencies struct {
	Engine Engine
	Faults *fault.Injector
	Dedup  *dedup.Cache
	Export Exporter
	Out    io.Writer
	Logger zerolog.Logger
}

// Console executes operator input.
type Console struct {
	engine Engine
	faults *fault.Injector
	dedup  *dedup.Cache
	export Exporter
	out    io.Writer
	logger zerolog.Logger
}

// New constructs a Console.
func New(deps Dependencies) (*Console, error) {
	if deps.Engine == nil {
		return nil, errors.New("console: engine dependency is required")
	}
	if deps.Faults == nil {
		return nil, errors.New("console: fault injector dependency is required")
	}
	if deps.Dedup == nil {
		return nil, errors.New("console: dedup cache dependency is required")
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Console{
		engine: deps.Engine,
		faults: deps.Faults,
		dedup:  deps.Dedup,
		export: deps.Export,
		out:    deps.Out,
		logger: logger.With().Str("component", "console").Logger(),
	}, nil
}

// Run executes lines read from in until ctx is cancelled, in is exhausted, or
// the operator quits. End of input returns nil.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("type a message to send it, /help for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("console: read input: %w", err)
			}
			return nil
		case line := <-lines:
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return ErrQuit
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs a single line of operator input. Invalid input returns an
// error and leaves every setting unchanged.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line)
		return nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "send":
		if arg == "" {
			return errors.New("usage: /send <text>")
		}
		c.send(arg)
	case "scenario":
		s, err := fault.ParseScenario(arg)
		if err != nil {
			return err
		}
		if err := c.faults.ApplyScenario(s); err != nil {
			return err
		}
		c.logger.Info().Str("scenario", string(s)).Msg("scenario applied")
		c.printf("scenario %s applied\n", s)
	case "reset":
		c.faults.Reset()
		c.logger.Info().Msg("faults reset")
		c.printf("faults cleared\n")
	case "drop":
		pct, err := parseInt(arg, 0, 100)
		if err != nil {
			return fmt.Errorf("/drop: %w", err)
		}
		c.faults.SetDropPercent(pct)
		c.printf("drop %d%%\n", pct)
	case "dropnext":
		c.faults.ArmDropNext()
		c.printf("next send attempt will be dropped\n")
	case "delay":
		d, err := parseMillis(arg)
		if err != nil {
			return fmt.Errorf("/delay: %w", err)
		}
		c.faults.SetOutboundDelay(d)
		c.printf("outbound delay %s\n", d)
	case "dup":
		on, err := parseSwitch(arg)
		if err != nil {
			return fmt.Errorf("/dup: %w", err)
		}
		c.faults.SetDuplicate(on)
		c.printf("duplicate %s\n", onOff(on))
	case "crash":
		on, err := parseSwitch(arg)
		if err != nil {
			return fmt.Errorf("/crash: %w", err)
		}
		c.faults.SetCrashBeforeAck(on)
		c.printf("crash before ACK %s\n", onOff(on))
	case "procdelay":
		d, err := parseMillis(arg)
		if err != nil {
			return fmt.Errorf("/procdelay: %w", err)
		}
		c.faults.SetInboundDelay(d)
		c.printf("processing delay %s\n", d)
	case "reject":
		on, err := parseSwitch(arg)
		if err != nil {
			return fmt.Errorf("/reject: %w", err)
		}
		c.faults.SetRejectConns(on)
		c.printf("reject connections %s\n", onOff(on))
	case "timeout":
		d, err := parseMillis(arg)
		if err != nil {
			return fmt.Errorf("/timeout: %w", err)
		}
		if d <= 0 {
			return errors.New("/timeout: must be positive")
		}
		c.faults.SetAckTimeout(d)
		c.printf("ACK timeout %s\n", d)
	case "retries":
		n, err := parseInt(arg, 0, 1000)
		if err != nil {
			return fmt.Errorf("/retries: %w", err)
		}
		c.faults.SetMaxRetries(n)
		c.printf("max retries %d\n", n)
	case "treatment":
		on, err := parseSwitch(arg)
		if err != nil {
			return fmt.Errorf("/treatment: %w", err)
		}
		c.engine.SetFailureTreatment(on)
		c.printf("failure treatment %s\n", onOff(on))
	case "dedup":
		on, err := parseSwitch(arg)
		if err != nil {
			return fmt.Errorf("/dedup: %w", err)
		}
		c.dedup.SetEnabled(on)
		c.printf("dedup by id %s\n", onOff(on))
	case "outbox":
		return c.printOutbox(ctx)
	case "faults":
		c.printFaults()
	case "help":
		c.printHelp()
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
	return nil
}

func (c *Console) send(text string) {
	id := c.engine.Originate(text)
	c.printf("queued %s\n", models.ShortID(id))
}

func (c *Console) printOutbox(ctx context.Context) error {
	snap, err := c.engine.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("/outbox: %w", err)
	}
	watcher := "idle"
	if snap.WatcherActive {
		watcher = "active"
	}
	c.printf("outbox: %d entries, watcher %s\n", len(snap.Outbox), watcher)
	if len(snap.Outbox) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tACK1\tNEXT RETRY\tLAST ERROR\tTEXT")
	for _, entry := range snap.Outbox {
		next := "-"
		if entry.NextRetryDelay > 0 {
			next = entry.NextRetryDelay.String()
		}
		lastErr := entry.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\t%s\n",
			models.ShortID(entry.ID), entry.State, entry.Attempts, entry.FirstAck,
			next, truncate(lastErr, maxTextRunes), truncate(entry.Text, maxTextRunes))
	}
	return tw.Flush()
}

func (c *Console) printFaults() {
	s := c.faults.Snapshot()
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "outbound delay\t%s\n", s.OutboundDelay)
	fmt.Fprintf(tw, "drop\t%d%%\n", s.DropPercent)
	fmt.Fprintf(tw, "drop next\t%s\n", onOff(s.DropNext))
	fmt.Fprintf(tw, "duplicate\t%s\n", onOff(s.Duplicate))
	fmt.Fprintf(tw, "crash before ACK\t%s\n", onOff(s.CrashBeforeAck))
	fmt.Fprintf(tw, "processing delay\t%s\n", s.InboundDelay)
	fmt.Fprintf(tw, "reject connections\t%s\n", onOff(s.RejectConns))
	fmt.Fprintf(tw, "ACK timeout\t%s\n", s.AckTimeout)
	fmt.Fprintf(tw, "max retries\t%d\n", s.MaxRetries)
	fmt.Fprintf(tw, "failure treatment\t%s\n", onOff(c.engine.FailureTreatment()))
	fmt.Fprintf(tw, "dedup by id\t%s\n", onOff(c.dedup.Enabled()))
	fmt.Fprintf(tw, "lifecycle export\t%s\n", c.exportStatus())
	_ = tw.Flush()
}

func (c *Console) exportStatus() string {
	if c.export == nil {
		return "off"
	}
	state := "not ready"
	if c.export.IsReady() {
		state = "ready"
	}
	return fmt.Sprintf("%s, %d dropped", state, c.export.Dropped())
}

func (c *Console) printHelp() {
	names := make([]string, 0, len(fault.Scenarios()))
	for _, s := range fault.Scenarios() {
		names = append(names, string(s))
	}
	c.printf(`commands:
  <text> | /send <text>   send a message
  /scenario <name>        reset faults and apply a preset (%s)
  /reset                  clear every fault
  /drop <pct>             drop outgoing attempts with probability pct
  /dropnext               drop the next outgoing attempt
  /delay <ms>             delay outgoing attempts
  /dup on|off             send every attempt twice
  /crash on|off           close inbound connections before ACK
  /procdelay <ms>         delay inbound processing
  /reject on|off          refuse inbound connections
  /timeout <ms>           ACK timeout
  /retries <n>            retry budget
  /treatment on|off       put every new message in the outbox
  /dedup on|off           discard duplicate inbound ids
  /outbox                 show unconfirmed messages
  /faults                 show the fault settings
  /quit                   stop the node
`, strings.Join(names, ", "))
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func parseInt(arg string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", arg)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func parseMillis(arg string) (time.Duration, error) {
	n, err := parseInt(arg, 0, 10*60*1000)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", arg)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
