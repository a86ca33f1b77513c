// Package connfile is the durable record of transport, endpoint, key
// and channel-port assignment that lets a client find and authenticate
// to a kernel.
package connfile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"jupyterctl/kerrors"
)

// File is the on-disk connection descriptor: transport, ip, five
// ports, signature scheme, key, and kernel name.
type File struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name"`
}

// Validate checks that ports are distinct when non-zero and that the
// key is non-empty whenever a signature scheme is set.
func (f *File) Validate() error {
	ports := map[string]int{
		"shell_port":   f.ShellPort,
		"iopub_port":   f.IOPubPort,
		"stdin_port":   f.StdinPort,
		"control_port": f.ControlPort,
		"hb_port":      f.HBPort,
	}
	seen := make(map[int]string, len(ports))
	for name, p := range ports {
		if p == 0 {
			continue
		}
		if other, ok := seen[p]; ok {
			return kerrors.New(kerrors.MalformedFrame, "", "", fmt.Sprintf("port %d assigned to both %s and %s", p, other, name))
		}
		seen[p] = name
	}
	if f.SignatureScheme != "" && f.Key == "" {
		return kerrors.New(kerrors.MalformedFrame, "", "", "signature_scheme set but key is empty")
	}
	return nil
}

// Write persists the descriptor atomically: write to a sibling temp
// file with owner-only permissions, then rename into place. Renaming
// instead of writing in place means a reader never observes a
// partially written file.
func (f *File) Write(path string) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return kerrors.Wrap(kerrors.MalformedFrame, "", "", "encode connection file", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".conn-*.tmp")
	if err != nil {
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "create temp connection file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "chmod connection file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "write connection file", err)
	}
	if err := tmp.Close(); err != nil {
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "close connection file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "rename connection file into place", err)
	}
	return nil
}

// Load parses and validates a connection file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, kerrors.Wrap(kerrors.PermissionDenied, "", "", "read connection file", err)
		}
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", "", "read connection file", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", "", "parse connection file", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// RuntimeDir resolves where connection files are placed, in
// precedence order: JUPYTER_RUNTIME_DIR, the runtime subdirectory of
// JUPYTER_DATA_DIR, the runtime subdirectory of JUPYTER_CONFIG_DIR,
// and finally the OS temp directory.
func RuntimeDir() string {
	if d := os.Getenv("JUPYTER_RUNTIME_DIR"); d != "" {
		return d
	}
	if d := os.Getenv("JUPYTER_DATA_DIR"); d != "" {
		return filepath.Join(d, "runtime")
	}
	if d := os.Getenv("JUPYTER_CONFIG_DIR"); d != "" {
		return filepath.Join(d, "runtime")
	}
	return os.TempDir()
}

// Ephemeral binds transient sockets to OS-assigned ports on the given
// ip/transport, reads back the bound port numbers, and returns a
// populated descriptor without ever writing it to disk.
func Ephemeral(transport, ip string) (*File, error) {
	if transport != "tcp" {
		// ipc sockets have no OS-assigned port concept; the caller
		// supplies distinct path-derived identifiers itself.
		return nil, kerrors.New(kerrors.MalformedFrame, "", "", "ephemeral() requires tcp transport")
	}

	ports, err := bindEphemeralPorts(ip, 5)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.StartFailed, "", "", "bind ephemeral ports", err)
	}

	key, err := randomHexKey(32)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.StartFailed, "", "", "generate session key", err)
	}

	f := &File{
		Transport:       transport,
		IP:              ip,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		SignatureScheme: "hmac-sha256",
		Key:             key,
	}
	return f, f.Validate()
}

// bindEphemeralPorts opens n listeners at once before closing any of
// them, so the OS cannot hand out the same port twice across the
// batch; closing each listener as soon as it was bound would let a
// later bind reuse a port just freed by an earlier one in the batch.
func bindEphemeralPorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}

	ports := make([]int, n)
	for i, l := range listeners {
		addr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("unexpected listener address type %T", l.Addr())
		}
		ports[i] = addr.Port
	}
	return ports, nil
}

func randomHexKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
