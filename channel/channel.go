// Package channel wraps the five Jupyter messaging sockets with their
// per-channel send/receive semantics: client-side sockets that dial
// the kernel's bound ports with Dealer/Sub/Req.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"jupyterctl/kerrors"
)

// Kind names one of the five logical channels.
type Kind string

const (
	Shell     Kind = "shell"
	Control   Kind = "control"
	IOPub     Kind = "iopub"
	Stdin     Kind = "stdin"
	Heartbeat Kind = "heartbeat"
)

// Dedupe reports whether frames received on this channel are checked
// against the session's replay digest (shell only).
func (k Kind) Dedupe() bool { return k == Shell }

// Socket is one channel's lifecycle: open, active, closed. Send and
// Receive are available on all but heartbeat, which only exposes Ping.
type Socket struct {
	kind  Kind
	sock  zmq4.Socket
	addr  string
	state string // "open" | "closed"
}

// Dial opens the channel socket appropriate to kind and connects it to
// transport://ip:port. Shell, control and stdin are Dealer sockets
// (request/reply multiplexed by the async client); iopub is a Sub
// socket subscribed to everything; heartbeat is a Req socket used only
// for ping/pong.
func Dial(ctx context.Context, kind Kind, transport, ip string, port int) (*Socket, error) {
	addr := fmt.Sprintf("%s://%s:%d", transport, ip, port)

	var sock zmq4.Socket
	switch kind {
	case Shell, Control, Stdin:
		sock = zmq4.NewDealer(ctx)
	case IOPub:
		sock = zmq4.NewSub(ctx)
	case Heartbeat:
		sock = zmq4.NewReq(ctx)
	default:
		return nil, kerrors.New(kerrors.MalformedFrame, string(kind), "", "unknown channel kind")
	}

	if err := sock.Dial(addr); err != nil {
		return nil, kerrors.Wrap(kerrors.ChannelClosed, string(kind), "", "dial "+addr, err)
	}
	if kind == IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, kerrors.Wrap(kerrors.ChannelClosed, string(kind), "", "subscribe iopub", err)
		}
	}

	return &Socket{kind: kind, sock: sock, addr: addr, state: "open"}, nil
}

func (s *Socket) Kind() Kind { return s.kind }

// Send writes a fully framed, already-signed message (the output of
// wire.Session.Serialize) to the socket.
func (s *Socket) Send(frames [][]byte) error {
	if s.kind == Heartbeat {
		return kerrors.New(kerrors.ChannelClosed, string(s.kind), "", "heartbeat only supports Ping, not Send")
	}
	if s.state != "open" {
		return kerrors.New(kerrors.ChannelClosed, string(s.kind), "", "send on closed channel")
	}
	if err := s.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return kerrors.Wrap(kerrors.ChannelClosed, string(s.kind), "", "send", err)
	}
	return nil
}

// Receive blocks for the next frame sequence. Not available on
// heartbeat.
func (s *Socket) Receive() ([][]byte, error) {
	if s.kind == Heartbeat {
		return nil, kerrors.New(kerrors.ChannelClosed, string(s.kind), "", "heartbeat has no Receive, use Ping")
	}
	if s.state != "open" {
		return nil, kerrors.New(kerrors.ChannelClosed, string(s.kind), "", "receive on closed channel")
	}
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ChannelClosed, string(s.kind), "", "receive", err)
	}
	return msg.Frames, nil
}

// Ping sends arbitrary bytes on the heartbeat channel and waits up to
// timeout for the echoed reply, used to detect kernel liveness
// independently of the messaging channels. A zero timeout means "poll,
// do not wait".
func (s *Socket) Ping(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if s.kind != Heartbeat {
		return nil, kerrors.New(kerrors.ChannelClosed, string(s.kind), "", "Ping only valid on heartbeat")
	}
	if err := s.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return nil, kerrors.Wrap(kerrors.ChannelClosed, string(s.kind), "", "send ping", err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.sock.Recv()
		done <- result{msg, err}
	}()

	if timeout <= 0 {
		timeout = time.Millisecond // "poll, do not wait"
	}
	select {
	case r := <-done:
		if r.err != nil {
			return nil, kerrors.Wrap(kerrors.ChannelClosed, string(s.kind), "", "recv pong", r.err)
		}
		if len(r.msg.Frames) == 0 {
			return nil, nil
		}
		return r.msg.Frames[0], nil
	case <-time.After(timeout):
		return nil, kerrors.New(kerrors.Timeout, string(s.kind), "", "heartbeat pong not received")
	case <-ctx.Done():
		return nil, kerrors.New(kerrors.Cancelled, string(s.kind), "", "heartbeat ping cancelled")
	}
}

// Close tears the socket down. Further Send/Receive calls fail with
// ChannelClosed.
func (s *Socket) Close() error {
	s.state = "closed"
	return s.sock.Close()
}
