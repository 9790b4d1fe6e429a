package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/testutil/testlog"
)

func newPipe(t *testing.T, cfg Config) (*Exchange, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	ex := New(local, cfg)
	ex.Start()
	t.Cleanup(func() {
		ex.Stop()
		_ = remote.Close()
	})
	return ex, remote
}

func writeMessage(c net.Conn, id, replyTo uint64, msg protocol.Message) error {
	f, err := session.EncodeMessage(id, replyTo, msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(c, f, frame.DefaultLimits())
}

func readMessage(c net.Conn) (protocol.Envelope, error) {
	f, err := frame.ReadFrame(c, frame.DefaultLimits())
	if err != nil {
		return protocol.Envelope{}, err
	}
	return session.DecodeMessage(f)
}

func TestConcurrentSendAndReceiveCorrelates(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())
	const n = 16

	// Peer collects every request, then answers in reverse order.
	go func() {
		reqs := make([]protocol.Envelope, 0, n)
		for len(reqs) < n {
			env, err := readMessage(remote)
			if err != nil {
				t.Errorf("peer read: %v", err)
				return
			}
			reqs = append(reqs, env)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			ev := reqs[i].Message.(protocol.Event)
			reply := protocol.EventReply{Mimetype: "text/plain", Data: ev.Data}
			if err := writeMessage(remote, uint64(1000+i), reqs[i].ID, reply); err != nil {
				t.Errorf("peer write: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("req-%d", i)
			env, err := ex.SendAndReceive(context.Background(), protocol.Event{Verb: "get", Noun: "echo", Data: []byte(body)}, 5*time.Second)
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			rep, ok := env.Message.(protocol.EventReply)
			if !ok || string(rep.Data) != body {
				t.Errorf("caller %d got=%#v", i, env.Message)
			}
		}(i)
	}
	wg.Wait()
	if got := ex.Pending(); got != 0 {
		t.Fatalf("pending after replies got=%d", got)
	}
}

// echoHeartbeats answers every request on remote at once until it fails.
func echoHeartbeats(remote net.Conn) {
	for {
		env, err := readMessage(remote)
		if err != nil {
			return
		}
		if err := writeMessage(remote, env.ID+1_000_000, env.ID, protocol.HeartbeatReply{}); err != nil {
			return
		}
	}
}

func TestReplyDeliveredBeforeWaitIsKept(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		env, err := readMessage(remote)
		if err != nil {
			t.Errorf("peer read: %v", err)
			return
		}
		if err := writeMessage(remote, 500, env.ID, protocol.HeartbeatReply{}); err != nil {
			t.Errorf("peer reply: %v", err)
		}
	}()

	id, err := ex.Send(protocol.Heartbeat{}, SendOptions{ExpectResponse: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-answered
	// let the reader hand the reply to the slot before anyone waits on it
	time.Sleep(50 * time.Millisecond)

	env, err := ex.Wait(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("wait after early reply: %v", err)
	}
	if env.ReplyTo != id || env.Message.Type() != protocol.TypeHeartbeatReply {
		t.Fatalf("reply got=%+v", env)
	}
	if got := ex.Pending(); got != 0 {
		t.Fatalf("pending after collect got=%d", got)
	}
}

func TestImmediateRepliesAreNeverMissed(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())
	go echoHeartbeats(remote)

	for i := 0; i < 2000; i++ {
		env, err := ex.SendAndReceive(context.Background(), protocol.Heartbeat{}, time.Second)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if env.Message.Type() != protocol.TypeHeartbeatReply {
			t.Fatalf("call %d reply got=%+v", i, env)
		}
	}
	if got := ex.Pending(); got != 0 {
		t.Fatalf("pending got=%d", got)
	}
}

func TestDuplicateReplyIsDropped(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())

	go func() {
		env, err := readMessage(remote)
		if err != nil {
			t.Errorf("peer read: %v", err)
			return
		}
		for i := uint64(0); i < 2; i++ {
			if err := writeMessage(remote, 700+i, env.ID, protocol.HeartbeatReply{}); err != nil {
				t.Errorf("peer reply: %v", err)
				return
			}
		}
	}()

	env, err := ex.SendAndReceive(context.Background(), protocol.Heartbeat{}, time.Second)
	if err != nil || env.ID != 700 {
		t.Fatalf("first reply got=%+v err=%v", env, err)
	}
	if _, err := ex.Read(100 * time.Millisecond); !errors.Is(err, ErrNoData) {
		t.Fatalf("duplicate reply must not surface via Read, got %v", err)
	}
	if !ex.IsAlive() {
		t.Fatalf("duplicate reply must not kill the exchange")
	}
}

func TestTimeoutDiscardsSlotAndDropsLateReply(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())

	reqs := make(chan protocol.Envelope, 1)
	go func() {
		env, err := readMessage(remote)
		if err != nil {
			t.Errorf("peer read: %v", err)
			return
		}
		reqs <- env
	}()

	_, err := ex.SendAndReceive(context.Background(), protocol.Heartbeat{}, 50*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := ex.Pending(); got != 0 {
		t.Fatalf("pending after timeout got=%d", got)
	}

	req := <-reqs
	if err := writeMessage(remote, 99, req.ID, protocol.HeartbeatReply{}); err != nil {
		t.Fatalf("late reply write: %v", err)
	}
	if _, err := ex.Read(100 * time.Millisecond); !errors.Is(err, ErrNoData) {
		t.Fatalf("late reply must not surface via Read, got %v", err)
	}
	if !ex.IsAlive() {
		t.Fatalf("late reply must not kill the exchange")
	}
}

func TestReadReturnsNonReplyFrames(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())

	if _, err := ex.Read(20 * time.Millisecond); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	go func() {
		_ = writeMessage(remote, 5, 0, protocol.Heartbeat{})
	}()
	f, err := ex.Read(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Header.MessageID != 5 || protocol.MessageType(f.Header.MessageType) != protocol.TypeHeartbeat {
		t.Fatalf("unexpected frame: %+v", f.Header)
	}
}

func TestPeerCloseIsConnectionClosed(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())
	_ = remote.Close()

	<-ex.Done()
	if ex.IsAlive() {
		t.Fatalf("exchange should not be alive after peer close")
	}
	if _, err := ex.Read(time.Second); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("read expected ErrConnectionClosed, got %v", err)
	}
	_, err := ex.SendAndReceive(context.Background(), protocol.Heartbeat{}, time.Second)
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("send expected ErrConnectionClosed, got %v", err)
	}
}

func TestStopReleasesWaitersAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())
	go func() {
		_, _ = readMessage(remote)
	}()

	id, err := ex.Send(protocol.Heartbeat{}, SendOptions{ExpectResponse: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err := ex.Wait(context.Background(), id, 0)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ex.Stop()
	ex.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, protocol.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not released by Stop")
	}
}

func TestIdleTimeoutStopsReader(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	ex, _ := newPipe(t, cfg)

	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("idle exchange did not stop")
	}
	if !errors.Is(ex.Err(), protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout cause, got %v", ex.Err())
	}
}

func TestMalformedFrameStopsWithViolation(t *testing.T) {
	testlog.Start(t)
	ex, remote := newPipe(t, DefaultConfig())
	go func() {
		_, _ = remote.Write(make([]byte, frame.FixedHeaderLen))
	}()
	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("malformed frame did not stop the exchange")
	}
	if !errors.Is(ex.Err(), protocol.ErrProtocolViolation) {
		t.Fatalf("expected violation cause, got %v", ex.Err())
	}
}

func TestWaitUnknownID(t *testing.T) {
	testlog.Start(t)
	ex, _ := newPipe(t, DefaultConfig())
	if _, err := ex.Wait(context.Background(), 12345, time.Millisecond); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}
