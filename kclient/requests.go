package kclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jupyterctl/channel"
	"jupyterctl/kerrors"
	"jupyterctl/wire"
)

// request is the shared shape behind the typed shell/control helpers:
// build, send, block for the reply, and reject a reply stamped with a
// protocol version this client does not understand.
func (c *Client) request(ctx context.Context, ch channel.Kind, msgType string, content map[string]any, timeout time.Duration) (*wire.Message, error) {
	reqID, err := c.SendRequest(ch, msgType, content)
	if err != nil {
		return nil, err
	}
	reply, err := c.AwaitReply(ctx, ch, reqID, timeout)
	if err != nil {
		return nil, err
	}
	if err := checkProtocolVersion(reply); err != nil {
		return reply, err
	}
	return reply, nil
}

// checkProtocolVersion rejects a reply whose header carries anything
// outside the 5.x series this client speaks.
func checkProtocolVersion(msg *wire.Message) error {
	v := msg.Header.Version
	if !strings.HasPrefix(v, "5.") {
		return kerrors.New(kerrors.ProtocolMismatch, "", msg.Header.MsgID, fmt.Sprintf("reply carries unsupported protocol version %q", v))
	}
	return nil
}

// KernelInfo issues kernel_info_request and blocks for the reply. The
// kernel_info_reply's own content.protocol_version is the kernel's
// authoritative version, separate from the header version every
// message carries, so it gets a second check here.
func (c *Client) KernelInfo(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	reply, err := c.request(ctx, channel.Shell, "kernel_info_request", map[string]any{}, timeout)
	if err != nil {
		return reply, err
	}
	if pv, ok := reply.Content["protocol_version"].(string); ok && !strings.HasPrefix(pv, "5.") {
		return reply, kerrors.New(kerrors.ProtocolMismatch, "", reply.Header.MsgID, fmt.Sprintf("kernel_info_reply reports unsupported protocol_version %q", pv))
	}
	return reply, nil
}

// Inspect issues inspect_request for code at the given cursor.
func (c *Client) Inspect(ctx context.Context, code string, cursorPos, detailLevel int, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Shell, "inspect_request", map[string]any{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	}, timeout)
}

// Complete issues complete_request for code at the given cursor.
func (c *Client) Complete(ctx context.Context, code string, cursorPos int, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Shell, "complete_request", map[string]any{
		"code":       code,
		"cursor_pos": cursorPos,
	}, timeout)
}

// History issues history_request.
func (c *Client) History(ctx context.Context, content map[string]any, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Shell, "history_request", content, timeout)
}

// IsComplete issues is_complete_request, used to decide whether a
// multi-line edit buffer is ready to submit.
func (c *Client) IsComplete(ctx context.Context, code string, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Shell, "is_complete_request", map[string]any{"code": code}, timeout)
}

// CommInfo issues comm_info_request.
func (c *Client) CommInfo(ctx context.Context, targetName string, timeout time.Duration) (*wire.Message, error) {
	content := map[string]any{}
	if targetName != "" {
		content["target_name"] = targetName
	}
	return c.request(ctx, channel.Shell, "comm_info_request", content, timeout)
}

// Interrupt issues interrupt_request on the control channel
// (control is the higher-priority channel).
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Control, "interrupt_request", map[string]any{}, timeout)
}

// Shutdown issues shutdown_request on the control channel.
func (c *Client) Shutdown(ctx context.Context, restart bool, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Control, "shutdown_request", map[string]any{"restart": restart}, timeout)
}

// Debug issues debug_request on the control channel.
func (c *Client) Debug(ctx context.Context, content map[string]any, timeout time.Duration) (*wire.Message, error) {
	return c.request(ctx, channel.Control, "debug_request", content, timeout)
}
