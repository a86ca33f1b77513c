// Package manager owns the connection descriptor and a provisioner for
// a single kernel, and orchestrates start/interrupt/restart/shutdown
// with timeouts and a lifecycle state machine that runs
// Unstarted -> Starting -> Running -> (Restarting | Shuttingdown) -> Dead.
package manager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"jupyterctl/channel"
	"jupyterctl/connfile"
	"jupyterctl/kclient"
	"jupyterctl/kernelspec"
	"jupyterctl/kerrors"
	"jupyterctl/provisioner"
	"jupyterctl/wire"
)

// State is one node of the lifecycle state machine.
type State string

const (
	Unstarted    State = "unstarted"
	Starting     State = "starting"
	Running      State = "running"
	Restarting   State = "restarting"
	Shuttingdown State = "shuttingdown"
	Dead         State = "dead"
)

// Defaults for the lifecycle timeouts: every blocking operation has one,
// none of them block forever.
const (
	DefaultStartupTimeout  = 60 * time.Second
	DefaultRestartTimeout  = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxAutorestarts = 5
	DefaultRestartWindow   = 60 * time.Second
)

// StateListener is notified of every lifecycle transition.
type StateListener func(old, new State)

// Manager owns exactly one provisioner at a time, plus the connection
// descriptor and, while Running, a client.
type Manager struct {
	Spec        kernelspec.Spec
	ResourceDir string

	StartupTimeout  time.Duration
	RestartTimeout  time.Duration
	ShutdownTimeout time.Duration
	Autorestart     bool
	MaxAutorestarts int
	RestartWindow   time.Duration

	logger *log.Logger

	mu        sync.Mutex // serialises lifecycle operations
	state     State
	prov      provisioner.Provisioner
	conn      *connfile.File
	connPath  string
	ephemeral bool
	client    *kclient.Client
	cancelRun context.CancelFunc

	listenersMu sync.Mutex
	listeners   []StateListener

	restartsMu sync.Mutex
	restarts   []time.Time

	watchDone chan struct{}
}

// New builds a manager in the Unstarted state.
func New(spec kernelspec.Spec, prov provisioner.Provisioner, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		Spec:            spec,
		ResourceDir:     spec.ResourceDir,
		StartupTimeout:  DefaultStartupTimeout,
		RestartTimeout:  DefaultRestartTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxAutorestarts: DefaultMaxAutorestarts,
		RestartWindow:   DefaultRestartWindow,
		logger:          logger,
		state:           Unstarted,
		prov:            prov,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Client returns the manager's client. It is only non-nil while
// Running, Restarting or Shuttingdown.
func (m *Manager) Client() *kclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// AddStateListener registers a callback fired on every transition.
func (m *Manager) AddStateListener(l StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) setState(s State) {
	old := m.state
	m.state = s
	m.listenersMu.Lock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l(old, s)
	}
}

// StartKernel writes (or, if connectionFilePath is empty, keeps as an
// ephemeral temp file) a connection descriptor, launches the
// provisioner, and blocks until the provisioner reports the process
// alive and heartbeat echoes one round trip, or StartupTimeout elapses.
func (m *Manager) StartKernel(ctx context.Context, connectionFilePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Unstarted && m.state != Dead {
		return kerrors.New(kerrors.StartFailed, "", "", fmt.Sprintf("cannot start from state %s", m.state))
	}
	m.setState(Starting)

	conn, err := connfile.Ephemeral("tcp", "127.0.0.1")
	if err != nil {
		m.failStart(err)
		return kerrors.Wrap(kerrors.StartFailed, "", "", "bind connection ports", err)
	}
	conn.KernelName = m.Spec.DisplayName

	path := connectionFilePath
	ephemeral := path == ""
	if ephemeral {
		runtimeDir := connfile.RuntimeDir()
		if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
			m.failStart(err)
			return kerrors.Wrap(kerrors.StartFailed, "", "", "create runtime directory", err)
		}
		f, err := os.CreateTemp(runtimeDir, "kernel-*.json")
		if err != nil {
			m.failStart(err)
			return kerrors.Wrap(kerrors.StartFailed, "", "", "create ephemeral connection file", err)
		}
		path = f.Name()
		f.Close()
	}
	if err := conn.Write(path); err != nil {
		m.failStart(err)
		return err
	}

	m.conn = conn
	m.connPath = path
	m.ephemeral = ephemeral

	if err := m.launchAndWaitReady(ctx); err != nil {
		m.failStart(err)
		return err
	}

	m.setState(Running)
	m.startWatcher()
	return nil
}

// failStart tears down whatever was launched and transitions straight
// to Dead.
func (m *Manager) failStart(cause error) {
	if m.prov != nil {
		m.prov.Kill()
		m.prov.Cleanup()
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.setState(Dead)
	m.logger.Printf("kernel start failed: %v", cause)
}

// launchAndWaitReady runs the provisioner pre-launch/launch sequence
// and blocks for readiness; shared by StartKernel and RestartKernel's
// relaunch step, which reuses the same connection file and ports.
func (m *Manager) launchAndWaitReady(ctx context.Context) error {
	resourceDir := m.ResourceDir
	argv, env, err := m.prov.PreLaunch(ctx, m.Spec.ArgV, m.Spec.Env, m.connPath, resourceDir)
	if err != nil {
		return kerrors.Wrap(kerrors.StartFailed, "", "", "pre-launch", err)
	}
	if err := m.prov.Launch(ctx, argv, env); err != nil {
		return kerrors.Wrap(kerrors.StartFailed, "", "", "launch", err)
	}

	// Sockets live for the client's lifetime, not the startup window:
	// zmq4 binds socket I/O to its constructor context, so dialing on
	// a startup-scoped context would kill every Send/Recv the moment
	// start returns.
	runCtx, runCancel := context.WithCancel(context.Background())

	sockets, err := dialChannels(runCtx, m.conn)
	if err != nil {
		runCancel()
		return kerrors.Wrap(kerrors.StartFailed, "", "", "dial channels", err)
	}
	session := newSession(m.conn)
	client := kclient.New(session, sockets, m.logger)
	go client.Run(runCtx)

	startCtx, cancel := context.WithTimeout(ctx, m.StartupTimeout)
	defer cancel()
	if err := client.WaitUntilReady(startCtx, m.StartupTimeout); err != nil {
		runCancel()
		client.Close()
		return kerrors.Wrap(kerrors.StartFailed, "", "", "heartbeat did not respond before startup_timeout", err)
	}
	alive, err := m.prov.Poll()
	if err != nil || !alive {
		runCancel()
		client.Close()
		return kerrors.New(kerrors.StartFailed, "", "", "provisioner reports process not alive after launch")
	}

	m.client = client
	m.cancelRun = runCancel
	return nil
}

// InterruptKernel is valid only in Running; it does not change state.
// Delivery is SIGINT when the kernel spec's interrupt_mode is "signal"
// (the default) or when unset; otherwise, or when the provisioner
// reports signals unsupported, an interrupt_request is sent on the
// control channel instead.
func (m *Manager) InterruptKernel(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return kerrors.New(kerrors.StartFailed, "", "", "interrupt only valid while running")
	}

	useMessage := m.Spec.InterruptMode == "message"
	if !useMessage {
		err := m.prov.SendSignal(syscall.SIGINT)
		if err == nil {
			return nil
		}
		if err != provisioner.ErrSignalUnsupported {
			return kerrors.Wrap(kerrors.StartFailed, "", "", "send interrupt signal", err)
		}
	}
	_, err := m.client.Interrupt(ctx, timeout)
	return err
}

// RestartKernel performs a graceful shutdown (unless now) followed by
// relaunch on the same connection file and ports.
func (m *Manager) RestartKernel(ctx context.Context, now bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return kerrors.New(kerrors.StartFailed, "", "", "restart only valid while running")
	}
	m.setState(Restarting)
	m.stopWatcher()

	if !now {
		shutdownCtx, cancel := context.WithTimeout(ctx, m.RestartTimeout)
		_, _ = m.client.Shutdown(shutdownCtx, true, m.RestartTimeout)
		cancel()
	}
	m.escalateStop()

	if m.client != nil {
		if m.cancelRun != nil {
			m.cancelRun()
		}
		m.client.Close()
		m.client = nil
	}

	if err := m.launchAndWaitReady(ctx); err != nil {
		m.failStart(err)
		return err
	}
	m.setState(Running)
	m.startWatcher()
	return nil
}

// escalateStop asks the provisioner to terminate, escalating to kill
// if the process does not exit within restart/shutdown_timeout.
func (m *Manager) escalateStop() {
	if alive, _ := m.prov.Poll(); !alive {
		return
	}
	m.prov.Terminate()
	if err := m.prov.Wait(context.Background(), m.RestartTimeout); err == nil {
		return
	}
	m.prov.Kill()
	m.prov.Wait(context.Background(), m.ShutdownTimeout)
}

// ShutdownKernel sends shutdown_request (unless now) then terminates
// and kills the process, cleaning up and transitioning to Dead.
func (m *Manager) ShutdownKernel(ctx context.Context, now bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return kerrors.New(kerrors.StartFailed, "", "", "shutdown only valid while running")
	}
	m.setState(Shuttingdown)
	m.stopWatcher()

	if !now && m.client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, m.ShutdownTimeout)
		_, _ = m.client.Shutdown(shutdownCtx, false, m.ShutdownTimeout)
		cancel()
	}

	m.prov.Terminate()
	m.prov.Wait(context.Background(), m.ShutdownTimeout)
	m.prov.Kill()
	m.prov.Cleanup()

	if m.client != nil {
		if m.cancelRun != nil {
			m.cancelRun()
		}
		m.client.Close()
		m.client = nil
	}
	if m.ephemeral && m.connPath != "" {
		os.Remove(m.connPath)
	}
	m.setState(Dead)
	return nil
}

// startWatcher launches the goroutine that detects unexpected process
// exit while Running and drives autorestart.
func (m *Manager) startWatcher() {
	done := make(chan struct{})
	m.watchDone = done
	prov := m.prov
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				alive, err := prov.Poll()
				if err == nil && alive {
					continue
				}
				m.onUnexpectedExit()
				return
			}
		}
	}()
}

func (m *Manager) stopWatcher() {
	if m.watchDone != nil {
		close(m.watchDone)
		m.watchDone = nil
	}
}

// onUnexpectedExit handles a process that died while the manager
// still believed it was Running. Heartbeat is advisory only and never
// triggers this path; only the provisioner's own liveness check does.
func (m *Manager) onUnexpectedExit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return
	}
	if m.client != nil {
		m.client.MarkDead()
	}

	if m.Autorestart && m.withinRestartBudget() {
		m.recordRestart()
		m.setState(Restarting)
		if m.client != nil {
			if m.cancelRun != nil {
				m.cancelRun()
			}
			m.client.Close()
			m.client = nil
		}
		if err := m.launchAndWaitReady(context.Background()); err != nil {
			m.setState(Dead)
			return
		}
		m.setState(Running)
		m.startWatcher()
		return
	}

	m.setState(Dead)
}

func (m *Manager) recordRestart() {
	m.restartsMu.Lock()
	defer m.restartsMu.Unlock()
	m.restarts = append(m.restarts, time.Now())
}

// withinRestartBudget reports whether fewer than MaxAutorestarts
// restarts have happened within the sliding RestartWindow.
func (m *Manager) withinRestartBudget() bool {
	m.restartsMu.Lock()
	defer m.restartsMu.Unlock()
	cutoff := time.Now().Add(-m.RestartWindow)
	count := 0
	for _, t := range m.restarts {
		if t.After(cutoff) {
			count++
		}
	}
	return count < m.MaxAutorestarts
}

func dialChannels(ctx context.Context, conn *connfile.File) (kclient.Sockets, error) {
	type kp struct {
		kind channel.Kind
		port int
	}
	specs := []kp{
		{channel.Shell, conn.ShellPort},
		{channel.Control, conn.ControlPort},
		{channel.Stdin, conn.StdinPort},
		{channel.IOPub, conn.IOPubPort},
		{channel.Heartbeat, conn.HBPort},
	}
	socks := make(map[channel.Kind]*channel.Socket, len(specs))
	for _, s := range specs {
		sock, err := channel.Dial(ctx, s.kind, conn.Transport, conn.IP, s.port)
		if err != nil {
			for _, opened := range socks {
				opened.Close()
			}
			return kclient.Sockets{}, err
		}
		socks[s.kind] = sock
	}
	return kclient.Sockets{
		Shell:     socks[channel.Shell],
		Control:   socks[channel.Control],
		Stdin:     socks[channel.Stdin],
		IOPub:     socks[channel.IOPub],
		Heartbeat: socks[channel.Heartbeat],
	}, nil
}

func newSession(conn *connfile.File) *wire.Session {
	return wire.New([]byte(conn.Key), conn.SignatureScheme, "")
}
