package manager

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"jupyterctl/connfile"
	"jupyterctl/kernelspec"
	"jupyterctl/provisioner"
	"jupyterctl/wire"
)

// testKernel stands in for the out-of-process kernel: it binds the
// exact ports a written connection file names, the way a real kernel
// process would, so the manager's dialed client sees a live peer.
type testKernel struct {
	shell, control, iopub zmq4.Socket
	hb                    zmq4.Socket
	session               *wire.Session
}

func newTestKernel(t *testing.T, ctx context.Context, conn *connfile.File) *testKernel {
	t.Helper()
	k := &testKernel{session: wire.New([]byte(conn.Key), conn.SignatureScheme, "kernel")}
	k.shell = zmq4.NewRouter(ctx)
	k.control = zmq4.NewRouter(ctx)
	k.iopub = zmq4.NewPub(ctx)
	k.hb = zmq4.NewRep(ctx)

	binds := []struct {
		sock zmq4.Socket
		port int
	}{
		{k.shell, conn.ShellPort},
		{k.control, conn.ControlPort},
		{k.iopub, conn.IOPubPort},
		{k.hb, conn.HBPort},
	}
	for _, b := range binds {
		if err := b.sock.Listen(fmt.Sprintf("tcp://127.0.0.1:%d", b.port)); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	go k.serveHeartbeat()
	go k.serveShell()
	go k.serveControl()
	return k
}

func (k *testKernel) serveHeartbeat() {
	for {
		msg, err := k.hb.Recv()
		if err != nil {
			return
		}
		_ = k.hb.Send(msg)
	}
}

func (k *testKernel) serveShell() {
	for {
		msg, err := k.shell.Recv()
		if err != nil {
			return
		}
		identity := msg.Frames[0]
		parsed, err := k.session.Parse("shell", msg.Frames[1:], false)
		if err != nil {
			continue
		}
		if parsed.Header.MsgType == "kernel_info_request" {
			reply := k.session.Build("kernel_info_reply", &parsed.Header, map[string]any{"protocol_version": "5.3"})
			k.sendShell(identity, reply)
		}
	}
}

func (k *testKernel) serveControl() {
	for {
		msg, err := k.control.Recv()
		if err != nil {
			return
		}
		identity := msg.Frames[0]
		parsed, err := k.session.Parse("control", msg.Frames[1:], false)
		if err != nil {
			continue
		}
		switch parsed.Header.MsgType {
		case "shutdown_request":
			restart, _ := parsed.Content["restart"].(bool)
			reply := k.session.Build("shutdown_reply", &parsed.Header, map[string]any{"restart": restart})
			k.sendControl(identity, reply)
		case "interrupt_request":
			reply := k.session.Build("interrupt_reply", &parsed.Header, map[string]any{"status": "ok"})
			k.sendControl(identity, reply)
		}
	}
}

func (k *testKernel) sendShell(identity []byte, msg *wire.Message) {
	frames, err := k.session.Serialize(msg)
	if err != nil {
		return
	}
	all := append([][]byte{identity}, frames...)
	_ = k.shell.SendMulti(zmq4.NewMsgFrom(all...))
}

func (k *testKernel) sendControl(identity []byte, msg *wire.Message) {
	frames, err := k.session.Serialize(msg)
	if err != nil {
		return
	}
	all := append([][]byte{identity}, frames...)
	_ = k.control.SendMulti(zmq4.NewMsgFrom(all...))
}

func (k *testKernel) close() {
	k.shell.Close()
	k.control.Close()
	k.iopub.Close()
	k.hb.Close()
}

// fakeProvisioner simulates the out-of-process kernel by binding a
// testKernel to the ports named in whatever connection file the
// manager wrote, instead of exec'ing a real subprocess.
type fakeProvisioner struct {
	ctx context.Context

	mu       sync.Mutex
	alive    bool
	kernel   *testKernel
	connPath string
	t        *testing.T
}

func newFakeProvisioner(t *testing.T, ctx context.Context) *fakeProvisioner {
	return &fakeProvisioner{ctx: ctx, t: t}
}

func (p *fakeProvisioner) PreLaunch(ctx context.Context, argvTemplate []string, env map[string]string, connectionFile, resourceDir string) ([]string, []string, error) {
	p.mu.Lock()
	p.connPath = connectionFile
	p.mu.Unlock()
	return argvTemplate, nil, nil
}

func (p *fakeProvisioner) Launch(ctx context.Context, argv []string, env []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, err := connfile.Load(p.connPath)
	if err != nil {
		return err
	}
	p.kernel = newTestKernel(p.t, p.ctx, conn)
	p.alive = true
	return nil
}

func (p *fakeProvisioner) Poll() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive, nil
}

func (p *fakeProvisioner) Wait(ctx context.Context, timeout time.Duration) error {
	for {
		p.mu.Lock()
		alive := p.alive
		p.mu.Unlock()
		if !alive {
			return nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *fakeProvisioner) SendSignal(sig syscall.Signal) error { return nil }

func (p *fakeProvisioner) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kernel != nil {
		p.kernel.close()
		p.kernel = nil
	}
	p.alive = false
	return nil
}

func (p *fakeProvisioner) Terminate() error { return p.Kill() }
func (p *fakeProvisioner) Cleanup() error   { return nil }

func (p *fakeProvisioner) GetConnectionInfo() (*connfile.File, bool) { return nil, false }
func (p *fakeProvisioner) LoadConnectionInfo(*connfile.File) error   { return nil }

// crash simulates an unexpected kernel exit, bypassing any manager
// call, to exercise the autorestart watcher.
func (p *fakeProvisioner) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kernel != nil {
		p.kernel.close()
		p.kernel = nil
	}
	p.alive = false
}

func testSpec() kernelspec.Spec {
	return kernelspec.Spec{ArgV: []string{"fake-kernel", "{connection_file}"}, DisplayName: "Fake", Language: "fake"}
}

var _ provisioner.Provisioner = (*fakeProvisioner)(nil)

func TestStartKernelReachesRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	defer m.ShutdownKernel(ctx, true)

	if m.State() != Running {
		t.Fatalf("expected Running, got %s", m.State())
	}
	reply, err := m.Client().KernelInfo(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("KernelInfo: %v", err)
	}
	if reply.Header.MsgType != "kernel_info_reply" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestShutdownKernelReachesDead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)
	m.ShutdownTimeout = 2 * time.Second

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if err := m.ShutdownKernel(ctx, false); err != nil {
		t.Fatalf("ShutdownKernel: %v", err)
	}
	if m.State() != Dead {
		t.Fatalf("expected Dead, got %s", m.State())
	}
}

func TestRestartKernelReturnsToRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)
	m.RestartTimeout = 2 * time.Second

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	defer m.ShutdownKernel(ctx, true)
	firstClient := m.Client()

	if err := m.RestartKernel(ctx, false); err != nil {
		t.Fatalf("RestartKernel: %v", err)
	}
	if m.State() != Running {
		t.Fatalf("expected Running after restart, got %s", m.State())
	}
	if m.Client() == firstClient {
		t.Fatalf("expected a fresh client after restart")
	}
	if _, err := m.Client().KernelInfo(ctx, 2*time.Second); err != nil {
		t.Fatalf("KernelInfo after restart: %v", err)
	}
}

func TestAutorestartOnUnexpectedExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)
	m.Autorestart = true
	m.StartupTimeout = 2 * time.Second

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	defer m.ShutdownKernel(ctx, true)

	prov.crash()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == Running {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected manager to autorestart back to Running, got %s", m.State())
}

func TestInterruptKernelSendsSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	defer m.ShutdownKernel(ctx, true)

	if err := m.InterruptKernel(ctx, time.Second); err != nil {
		t.Fatalf("InterruptKernel: %v", err)
	}
}

func TestStartAgainAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)
	m.ShutdownTimeout = 2 * time.Second

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if err := m.ShutdownKernel(ctx, false); err != nil {
		t.Fatalf("ShutdownKernel: %v", err)
	}
	if m.State() != Dead {
		t.Fatalf("expected Dead, got %s", m.State())
	}

	// Dead is not terminal for the manager itself: an explicit
	// StartKernel brings it back to Running with a fresh kernel.
	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel after shutdown: %v", err)
	}
	defer m.ShutdownKernel(ctx, true)
	if m.State() != Running {
		t.Fatalf("expected Running after restart from Dead, got %s", m.State())
	}
	if _, err := m.Client().KernelInfo(ctx, 2*time.Second); err != nil {
		t.Fatalf("KernelInfo after restart from Dead: %v", err)
	}
}

func TestStateListenerSeesTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := newFakeProvisioner(t, ctx)
	m := New(testSpec(), prov, nil)

	var mu sync.Mutex
	var seen []State
	m.AddStateListener(func(old, new State) {
		mu.Lock()
		seen = append(seen, new)
		mu.Unlock()
	})

	if err := m.StartKernel(ctx, ""); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if err := m.ShutdownKernel(ctx, true); err != nil {
		t.Fatalf("ShutdownKernel: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Starting, Running, Shuttingdown, Dead}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}
