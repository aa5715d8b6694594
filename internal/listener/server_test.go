package listener

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/wire"
)

type receipt struct {
	sender, id, text string
}

type recordingNotifier struct {
	mu         sync.Mutex
	received   []receipt
	secondAcks []string
	infos      []string
}

func (n *recordingNotifier) Received(sender, id, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, receipt{sender, id, text})
}

func (n *recordingNotifier) SecondAck(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.secondAcks = append(n.secondAcks, id)
}

func (n *recordingNotifier) Info(msgType, raw string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msgType+" "+raw)
}

func (n *recordingNotifier) snapshot() ([]receipt, []string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]receipt(nil), n.received...), append([]string(nil), n.secondAcks...), append([]string(nil), n.infos...)
}

type sent struct {
	addr string
	rec  wire.Record
}

type recordingSender struct {
	mu    sync.Mutex
	sends []sent
}

func (s *recordingSender) Send(_ context.Context, addr string, rec wire.Record, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sent{addr, rec})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sends...)
}

func startServer(t *testing.T, faults *fault.Injector) (*Server, *recordingNotifier, *recordingSender) {
	t.Helper()
	notifier := &recordingNotifier{}
	sender := &recordingSender{}
	srv, err := New(Config{
		Addr:        "127.0.0.1:0",
		ReadTimeout: 500 * time.Millisecond,
	}, Dependencies{
		Faults:   faults,
		Notifier: notifier,
		Sender:   sender,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Wait()
	})
	return srv, notifier, sender
}

func exchange(t *testing.T, srv *Server, payload []byte) (*wire.Record, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return wire.Decode(conn)
}

func encode(t *testing.T, rec wire.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, rec))
	return buf.Bytes()
}

func TestNewValidation(t *testing.T) {
	faults := fault.New(fault.DefaultSettings(true))
	_, err := New(Config{}, Dependencies{Faults: faults, Notifier: &recordingNotifier{}, Sender: &recordingSender{}})
	require.Error(t, err)
	_, err = New(Config{Addr: "127.0.0.1:0"}, Dependencies{Notifier: &recordingNotifier{}, Sender: &recordingSender{}})
	require.Error(t, err)
	_, err = New(Config{Addr: "127.0.0.1:0"}, Dependencies{Faults: faults, Sender: &recordingSender{}})
	require.Error(t, err)
	_, err = New(Config{Addr: "127.0.0.1:0"}, Dependencies{Faults: faults, Notifier: &recordingNotifier{}})
	require.Error(t, err)
}

func TestServeBeforeListenFails(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"}, Dependencies{
		Faults:   fault.New(fault.DefaultSettings(true)),
		Notifier: &recordingNotifier{},
		Sender:   &recordingSender{},
	})
	require.NoError(t, err)
	require.Error(t, srv.Serve(context.Background()))
	require.Zero(t, srv.Port())
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	srv, _, _ := startServer(t, fault.New(fault.DefaultSettings(true)))

	resp, err := exchange(t, srv, encode(t, wire.Ping()))
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, resp.Type)
}

func TestMessageIsAcknowledgedTwice(t *testing.T) {
	srv, notifier, sender := startServer(t, fault.New(fault.DefaultSettings(true)))

	msg := wire.Message("m-1", "hello", "alice", 9001, time.Now())
	resp, err := exchange(t, srv, encode(t, msg))
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, resp.Type)
	require.Equal(t, "m-1", resp.ID)

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	out := sender.all()[0]
	require.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(9001)), out.addr)
	require.Equal(t, wire.TypeDelivered, out.rec.Type)
	require.Equal(t, "m-1", out.rec.ID)

	received, _, _ := notifier.snapshot()
	require.Equal(t, []receipt{{"alice", "m-1", "hello"}}, received)
}

func TestMessageWithoutReplyPortSkipsSecondAck(t *testing.T) {
	srv, notifier, sender := startServer(t, fault.New(fault.DefaultSettings(true)))

	resp, err := exchange(t, srv, encode(t, wire.Message("m-2", "hi", "alice", 0, time.Now())))
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, resp.Type)

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, sender.all())
	received, _, _ := notifier.snapshot()
	require.Len(t, received, 1)
}

func TestCrashBeforeAckClosesWithoutReply(t *testing.T) {
	faults := fault.New(fault.DefaultSettings(true))
	faults.SetCrashBeforeAck(true)
	srv, notifier, sender := startServer(t, faults)

	_, err := exchange(t, srv, encode(t, wire.Message("m-3", "boom", "alice", 9001, time.Now())))
	require.ErrorIs(t, err, wire.ErrEmpty)

	received, _, _ := notifier.snapshot()
	require.Len(t, received, 1)
	require.Empty(t, sender.all())
}

func TestRejectSilencesEveryType(t *testing.T) {
	faults := fault.New(fault.DefaultSettings(true))
	faults.SetRejectConns(true)
	srv, notifier, _ := startServer(t, faults)

	_, err := exchange(t, srv, encode(t, wire.Ping()))
	require.ErrorIs(t, err, wire.ErrEmpty)

	_, err = exchange(t, srv, encode(t, wire.Message("m-4", "hi", "alice", 9001, time.Now())))
	require.ErrorIs(t, err, wire.ErrEmpty)

	_, err = exchange(t, srv, encode(t, wire.Delivered("m-4")))
	require.ErrorIs(t, err, wire.ErrEmpty)

	received, acks, infos := notifier.snapshot()
	require.Empty(t, received)
	require.Empty(t, acks)
	require.Empty(t, infos)
}

func TestDeliveredIsReportedAsSecondAck(t *testing.T) {
	srv, notifier, _ := startServer(t, fault.New(fault.DefaultSettings(true)))

	_, err := exchange(t, srv, encode(t, wire.Delivered("m-5")))
	require.ErrorIs(t, err, wire.ErrEmpty)

	require.Eventually(t, func() bool {
		_, acks, _ := notifier.snapshot()
		return len(acks) == 1 && acks[0] == "m-5"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownTypeIsReportedAsInfo(t *testing.T) {
	srv, notifier, _ := startServer(t, fault.New(fault.DefaultSettings(true)))

	_, err := exchange(t, srv, []byte(`{"type":"HELLO","note":"x"}`+"\n"))
	require.ErrorIs(t, err, wire.ErrEmpty)

	require.Eventually(t, func() bool {
		_, _, infos := notifier.snapshot()
		return len(infos) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, _, infos := notifier.snapshot()
	require.Equal(t, `HELLO {"type":"HELLO","note":"x"}`, infos[0])
}

func TestMalformedInputIsDiscarded(t *testing.T) {
	srv, notifier, _ := startServer(t, fault.New(fault.DefaultSettings(true)))

	for _, payload := range []string{"not json\n", `{"text":"no type"}` + "\n", `{"type":"MSG","text":"no id"}` + "\n"} {
		_, err := exchange(t, srv, []byte(payload))
		require.ErrorIs(t, err, wire.ErrEmpty, "payload %q", payload)
	}

	received, acks, infos := notifier.snapshot()
	require.Empty(t, received)
	require.Empty(t, acks)
	require.Empty(t, infos)
}

func TestInboundDelayPostponesProcessing(t *testing.T) {
	faults := fault.New(fault.DefaultSettings(true))
	faults.SetInboundDelay(100 * time.Millisecond)
	srv, _, _ := startServer(t, faults)

	start := time.Now()
	resp, err := exchange(t, srv, encode(t, wire.Message("m-6", "later", "alice", 0, time.Now())))
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, resp.Type)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// PING is answered before the processing delay.
	start = time.Now()
	resp, err = exchange(t, srv, encode(t, wire.Ping()))
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, resp.Type)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
