// Package kclient is the async client: it owns the five channel
// sockets, multiplexes concurrent shell/control requests, correlates
// replies by msg_id, tracks iopub execution state, and layers
// synchronous blocking convenience calls on top of the async surface.
package kclient

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"jupyterctl/channel"
	"jupyterctl/kerrors"
	"jupyterctl/wire"
)

// Diagnostics counts, per channel, the messages the client dropped
// because they failed to parse or verify. Shell/control replies with an
// unknown parent and unexpected stdin message types are logged but not
// counted here; iopub subscriber overflow is counted per subscription
// (Subscription.Dropped).
type Diagnostics struct {
	DroppedShell   int64
	DroppedControl int64
	DroppedIOPub   int64
	DroppedStdin   int64
}

// StdinHandler answers a kernel-initiated input request. It returns
// the value to send back, or ok=false if no answer is available.
type StdinHandler func(prompt string, password bool) (value string, ok bool)

type replyResult struct {
	msg *wire.Message
	err error
}

type pendingEntry struct {
	ch chan replyResult
}

// idleHistoryCapacity bounds how many completed-idle request ids a
// client remembers for callers that call WaitForIdle after the status
// already arrived; oldest entries are evicted once it fills, the same
// bounded-FIFO shape the wire session uses for its replay history.
const idleHistoryCapacity = 256

// Client is the owner of a kernel connection's five channel sockets
// and the session that signs/verifies traffic on them.
type Client struct {
	Session *wire.Session

	shell   *channel.Socket
	control *channel.Socket
	stdin   *channel.Socket
	iopub   *channel.Socket
	hb      *channel.Socket

	mu                 sync.Mutex
	pending            map[string]*pendingEntry
	state              ExecutionState
	idleWaiters        map[string][]chan struct{}
	idleCompleted      map[string]struct{}
	idleCompletedOrder []string
	idleCompletedHead  int
	lastReqID          string
	subscribers        []*Subscription
	stdinHandler       StdinHandler
	closed             bool

	droppedShell, droppedControl, droppedIOPub, droppedStdin atomic.Int64

	// StdinTimeout bounds how long the stdin loop waits for a handler
	// to answer an input_request before telling the kernel input is
	// unavailable.
	StdinTimeout time.Duration

	logger *log.Logger
}

// Sockets groups the five dialed channel sockets a client takes
// ownership of.
type Sockets struct {
	Shell, Control, Stdin, IOPub, Heartbeat *channel.Socket
}

// New builds a client over an already-signed session and an already
// dialed set of channel sockets. It does not start receiving; call
// Run to launch the receive loops.
func New(session *wire.Session, sockets Sockets, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		Session:       session,
		shell:         sockets.Shell,
		control:       sockets.Control,
		stdin:         sockets.Stdin,
		iopub:         sockets.IOPub,
		hb:            sockets.Heartbeat,
		pending:       make(map[string]*pendingEntry),
		idleWaiters:   make(map[string][]chan struct{}),
		idleCompleted: make(map[string]struct{}),
		state:         Starting,
		StdinTimeout:  30 * time.Second,
		logger:        logger,
	}
}

// Run launches the per-channel receive loops. It returns once ctx is
// cancelled or the client is closed; callers typically run it in its
// own goroutine.
func (c *Client) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		sock *channel.Socket
		fn   func(*wire.Message)
	}{
		{c.shell, c.handleShellOrControl},
		{c.control, c.handleShellOrControl},
		{c.iopub, c.handleIOPub},
		{c.stdin, c.handleStdin},
	}
	for _, l := range loops {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.receiveLoop(ctx, l.sock, l.fn)
		}()
	}
	wg.Wait()
}

func (c *Client) receiveLoop(ctx context.Context, sock *channel.Socket, handle func(*wire.Message)) {
	for {
		if ctx.Err() != nil {
			return
		}
		frames, err := sock.Receive()
		if err != nil {
			if kerrors.Of(err, kerrors.ChannelClosed) {
				return
			}
			c.logger.Printf("channel %s: receive error: %v", sock.Kind(), err)
			continue
		}
		msg, err := c.Session.Parse(string(sock.Kind()), frames, sock.Kind().Dedupe())
		if err != nil {
			c.countDrop(sock.Kind())
			c.logger.Printf("channel %s: dropping malformed/unverified message: %v", sock.Kind(), err)
			continue
		}
		handle(msg)
	}
}

func (c *Client) countDrop(kind channel.Kind) {
	switch kind {
	case channel.Shell:
		c.droppedShell.Add(1)
	case channel.Control:
		c.droppedControl.Add(1)
	case channel.IOPub:
		c.droppedIOPub.Add(1)
	case channel.Stdin:
		c.droppedStdin.Add(1)
	}
}

// Diagnostics reports how many messages have been dropped per channel
// since the client started.
func (c *Client) Diagnostics() Diagnostics {
	return Diagnostics{
		DroppedShell:   c.droppedShell.Load(),
		DroppedControl: c.droppedControl.Load(),
		DroppedIOPub:   c.droppedIOPub.Load(),
		DroppedStdin:   c.droppedStdin.Load(),
	}
}

// handleShellOrControl correlates a reply to its pending request by
// parent msg_id. Replies with an unknown parent are logged and
// dropped.
func (c *Client) handleShellOrControl(msg *wire.Message) {
	parentID := msg.ParentHeader.MsgID
	c.mu.Lock()
	entry, ok := c.pending[parentID]
	if ok {
		delete(c.pending, parentID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Printf("reply with unknown parent id %q (type %s) dropped", parentID, msg.Header.MsgType)
		return
	}
	select {
	case entry.ch <- replyResult{msg: msg}:
	default:
		// A timed-out caller already stopped listening; the buffered
		// slot (capacity 1) absorbs this so the receive loop never
		// blocks on a caller that went away.
	}
}

// handleIOPub updates execution state from status messages and fans
// the message out to every subscriber without blocking the receive
// loop.
func (c *Client) handleIOPub(msg *wire.Message) {
	if msg.Header.MsgType == "status" {
		if state, ok := msg.Content["execution_state"].(string); ok {
			c.setStateAndWake(ExecutionState(state), msg.ParentHeader.MsgID)
		}
	}

	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subscribers...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(msg)
	}
}

// setStateAndWake records the latest execution state and, on a
// transition to idle, wakes any WaitForIdle callers already registered
// for parentID. If none are registered yet, the completion is recorded
// in idleCompleted so a WaitForIdle call that arrives later for the
// same request resolves immediately instead of waiting for a status
// that already happened.
func (c *Client) setStateAndWake(state ExecutionState, parentID string) {
	c.mu.Lock()
	c.state = state
	var waiters []chan struct{}
	if state == Idle {
		waiters = c.idleWaiters[parentID]
		delete(c.idleWaiters, parentID)
		if len(waiters) == 0 && parentID != "" {
			c.recordIdleCompleted(parentID)
		}
	}
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// recordIdleCompleted marks requestID as having gone idle with no
// waiter registered yet. Callers hold c.mu.
func (c *Client) recordIdleCompleted(requestID string) {
	if _, ok := c.idleCompleted[requestID]; ok {
		return
	}
	if len(c.idleCompletedOrder) >= idleHistoryCapacity {
		oldest := c.idleCompletedOrder[c.idleCompletedHead]
		delete(c.idleCompleted, oldest)
		c.idleCompletedOrder[c.idleCompletedHead] = requestID
		c.idleCompletedHead = (c.idleCompletedHead + 1) % idleHistoryCapacity
	} else {
		c.idleCompletedOrder = append(c.idleCompletedOrder, requestID)
	}
	c.idleCompleted[requestID] = struct{}{}
}

// handleStdin serves the single registered stdin handler. If none is
// registered, or it does not answer within StdinTimeout, the kernel is
// told input is unavailable rather than left hanging.
func (c *Client) handleStdin(msg *wire.Message) {
	if msg.Header.MsgType != "input_request" {
		c.logger.Printf("unexpected stdin message type %q dropped", msg.Header.MsgType)
		return
	}
	prompt, _ := msg.Content["prompt"].(string)
	password, _ := msg.Content["password"].(bool)

	c.mu.Lock()
	handler := c.stdinHandler
	c.mu.Unlock()

	type answer struct {
		value string
		ok    bool
	}
	answered := make(chan answer, 1)
	if handler == nil {
		answered <- answer{}
	} else {
		go func() {
			v, ok := handler(prompt, password)
			answered <- answer{v, ok}
		}()
	}

	var a answer
	select {
	case a = <-answered:
	case <-time.After(c.StdinTimeout):
		a = answer{}
	}

	content := map[string]any{"value": a.value}
	if !a.ok {
		content["status"] = "unavailable"
	}
	reply := c.Session.Build("input_reply", &msg.Header, content)
	frames, err := c.Session.Serialize(reply)
	if err != nil {
		c.logger.Printf("encode input_reply: %v", err)
		return
	}
	if err := c.stdin.Send(frames); err != nil {
		c.logger.Printf("send input_reply: %v", err)
	}
}

// SetStdinHandler registers the single consumer that answers
// kernel-initiated input requests. Passing nil unregisters it.
func (c *Client) SetStdinHandler(h StdinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdinHandler = h
}

// Subscribe opens a new bounded iopub subscription.
func (c *Client) Subscribe(bufSize int) *Subscription {
	sub := newSubscription(bufSize)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.mu.Unlock()
	return sub
}

// State returns the last execution state observed on iopub.
func (c *Client) State() ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkDead synthesises a Dead state (e.g. on unexpected kernel exit,
// owned by the kernel manager) and fails every pending request with
// KernelDied.
func (c *Client) MarkDead() {
	c.mu.Lock()
	c.state = Dead
	// Entries are left keyed in the pending table (not removed) so a
	// caller that has not yet called AwaitReply for a given request
	// still observes KernelDied instead of a bare "unknown request".
	pending := make(map[string]*pendingEntry, len(c.pending))
	for id, e := range c.pending {
		pending[id] = e
	}
	c.mu.Unlock()

	for id, e := range pending {
		select {
		case e.ch <- replyResult{err: kerrors.New(kerrors.KernelDied, "", id, "kernel process exited")}:
		default:
		}
	}
}

// socketFor returns the channel socket a request kind sends on.
func (c *Client) socketFor(ch channel.Kind) *channel.Socket {
	switch ch {
	case channel.Control:
		return c.control
	default:
		return c.shell
	}
}

// SendRequest builds, signs and sends a request on shell or control,
// registers it in the pending table, and returns its msg_id for later
// correlation.
func (c *Client) SendRequest(ch channel.Kind, msgType string, content map[string]any) (string, error) {
	msg := c.Session.Build(msgType, nil, content)
	frames, err := c.Session.Serialize(msg)
	if err != nil {
		return "", err
	}

	entry := &pendingEntry{ch: make(chan replyResult, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", kerrors.New(kerrors.ChannelClosed, string(ch), "", "client is closed")
	}
	c.pending[msg.Header.MsgID] = entry
	c.lastReqID = msg.Header.MsgID
	c.mu.Unlock()

	if err := c.socketFor(ch).Send(frames); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Header.MsgID)
		c.mu.Unlock()
		return "", err
	}
	return msg.Header.MsgID, nil
}

// AwaitReply blocks for the reply to a previously sent request. On
// timeout the request id remains in the pending table (a late reply is
// still delivered into its buffer and discarded); on cancellation it
// fails with Cancelled.
func (c *Client) AwaitReply(ctx context.Context, ch channel.Kind, requestID string, timeout time.Duration) (*wire.Message, error) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, kerrors.New(kerrors.Timeout, string(ch), requestID, "no pending request with this id")
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-entry.ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-timer:
		return nil, kerrors.New(kerrors.Timeout, string(ch), requestID, "reply not received within timeout")
	case <-ctx.Done():
		return nil, kerrors.New(kerrors.Cancelled, string(ch), requestID, "request cancelled")
	}
}

// Cancel removes a pending request from the table. The kernel is not
// informed; callers that want real cancellation use interrupt on the
// control channel.
func (c *Client) Cancel(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// WaitForIdle blocks until the execution state transitions to idle
// with a parent id equal to requestID (or, if requestID is empty, the
// most recently issued shell/control request). If the matching idle
// status already arrived before this call (handleIOPub can run on
// another goroutine well ahead of a caller reaching WaitForIdle), it
// resolves immediately instead of waiting for a status that already
// happened.
func (c *Client) WaitForIdle(ctx context.Context, requestID string, timeout time.Duration) error {
	c.mu.Lock()
	if requestID == "" {
		requestID = c.lastReqID
	}
	if _, ok := c.idleCompleted[requestID]; ok {
		delete(c.idleCompleted, requestID)
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	c.idleWaiters[requestID] = append(c.idleWaiters[requestID], waiter)
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-waiter:
		return nil
	case <-timer:
		return kerrors.New(kerrors.Timeout, "iopub", requestID, "idle status not observed within timeout")
	case <-ctx.Done():
		return kerrors.New(kerrors.Cancelled, "iopub", requestID, "wait for idle cancelled")
	}
}

// ExecuteAndWaitForIdle is the flagship synchronous-blocking surface:
// it sends execute_request, waits for its shell reply, then waits for
// the matching idle status.
func (c *Client) ExecuteAndWaitForIdle(ctx context.Context, code string, silent bool, timeout time.Duration) (*wire.Message, error) {
	reqID, err := c.SendRequest(channel.Shell, "execute_request", map[string]any{
		"code":             code,
		"silent":           silent,
		"store_history":    !silent,
		"user_expressions": map[string]any{},
		"allow_stdin":      true,
	})
	if err != nil {
		return nil, err
	}
	reply, err := c.AwaitReply(ctx, channel.Shell, reqID, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForIdle(ctx, reqID, timeout); err != nil {
		return reply, err
	}
	return reply, nil
}

// WaitUntilReady blocks until the heartbeat channel echoes one
// round-trip, used by the kernel manager to detect that a freshly
// launched kernel has bound its sockets.
func (c *Client) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	_, err := c.hb.Ping(ctx, []byte("ping"), timeout)
	return err
}

// Close tears down every channel socket and fails any still-pending
// requests with ChannelClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	subs := c.subscribers
	c.subscribers = nil
	c.mu.Unlock()

	for id, e := range pending {
		select {
		case e.ch <- replyResult{err: kerrors.New(kerrors.ChannelClosed, "", id, "client closed")}:
		default:
		}
	}
	for _, sub := range subs {
		sub.close()
	}

	var firstErr error
	for _, s := range []*channel.Socket{c.shell, c.control, c.stdin, c.iopub, c.hb} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
