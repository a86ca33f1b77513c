// Package wire is the session layer: message construction, framing,
// HMAC signing, parsing and verification, and identifier minting.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os/user"
	"time"

	"github.com/google/uuid"

	"jupyterctl/kerrors"
)

// Delimiter is the literal frame separating routing prefixes from the
// signed body of a Jupyter wire message.
const Delimiter = "<IDS|MSG>"

// ProtocolVersion is the version this session stamps on outbound
// headers. Replies carrying any other 5.x version are accepted;
// anything outside the 5 series is a ProtocolMismatch.
const ProtocolVersion = "5.3"

// isoMicro is the ISO-8601 layout with microsecond precision and a
// trailing literal "Z" that Jupyter wire timestamps use.
const isoMicro = "2006-01-02T15:04:05.000000Z"

// Header is the Jupyter message header. Date is kept as the raw wire
// string rather than time.Time: an unparseable timestamp must be
// tolerated and passed through, not rejected.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// IsZero reports whether h is the empty header used for messages with
// no parent.
func (h Header) IsZero() bool { return h == Header{} }

// Time parses Date under the ISO-8601-microsecond layout. Callers that
// need the timestamp as a time.Time call this explicitly; parsing is
// never forced during deserialisation.
func (h Header) Time() (time.Time, error) {
	return time.Parse(isoMicro, h.Date)
}

// NowTimestamp formats the current instant the way an emitted header's
// date field must look.
func NowTimestamp() string {
	return time.Now().UTC().Format(isoMicro)
}

// Message is a decoded Jupyter message. Content and Metadata are kept
// as opaque decoded JSON trees: the wire layer never bakes in a closed
// content schema, only the client boundary (package kclient) knows how
// to project content into typed shapes per msg_type.
type Message struct {
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      map[string]any
	Buffers      [][]byte
}

// Session is the scope within which message and signature identifiers
// are unique. One Session backs one client.
type Session struct {
	ID       string
	Username string
	key      []byte
	scheme   string
	digest   *digestFIFO
}

// DigestHistorySize is the default bound on the shell-channel replay
// FIFO. It is a tunable, not a protocol requirement.
const DigestHistorySize = 1 << 16

// New builds a session with a freshly minted session id. An empty key
// is the explicit, documented insecure opt-out for same-host contexts:
// signing becomes a no-op and verification is skipped.
func New(key []byte, scheme, username string) *Session {
	if username == "" {
		username = effectiveUsername()
	}
	return &Session{
		ID:       uuid.NewString(),
		Username: username,
		key:      key,
		scheme:   scheme,
		digest:   newDigestFIFO(DigestHistorySize),
	}
}

func effectiveUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Build constructs an outbound message. parent may be nil for a
// message with no parent header.
func (s *Session) Build(msgType string, parent *Header, content map[string]any) *Message {
	var parentHeader Header
	if parent != nil {
		parentHeader = *parent
	}
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  s.ID,
			Username: s.Username,
			Date:     NowTimestamp(),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		ParentHeader: parentHeader,
		Metadata:     map[string]any{},
		Content:      content,
	}
}

// Serialize encodes msg into the four JSON parts plus an HMAC
// signature, in wire order: delimiter, signature, header,
// parent-header, metadata, content, buffers. It does not include
// routing prefixes; those are the channel layer's concern.
func (s *Session) Serialize(msg *Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", msg.Header.MsgID, "encode header", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", msg.Header.MsgID, "encode parent header", err)
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataB, err := json.Marshal(metadata)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", msg.Header.MsgID, "encode metadata", err)
	}
	content := msg.Content
	if content == nil {
		content = map[string]any{}
	}
	contentB, err := json.Marshal(content)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", msg.Header.MsgID, "encode content", err)
	}

	sig := s.sign(header, parent, metadataB, contentB)

	frames := make([][]byte, 0, 6+len(msg.Buffers))
	frames = append(frames, []byte(Delimiter), []byte(sig), header, parent, metadataB, contentB)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// sign returns the hex HMAC over the four parts in order, or the
// empty string when the session has no key (the documented insecure
// opt-out).
func (s *Session) sign(parts ...[]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse verifies and decodes a frame sequence received on a channel.
// frames may be prefixed with zero or more routing frames before the
// delimiter; dedupe selects whether the signature is checked against
// the digest history (true for shell, false for the broadcast iopub
// channel).
func (s *Session) Parse(channel string, frames [][]byte, dedupe bool) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if string(f) == Delimiter {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, kerrors.New(kerrors.MalformedFrame, channel, "", "delimiter <IDS|MSG> not found")
	}
	if len(frames) < idx+6 {
		return nil, kerrors.New(kerrors.MalformedFrame, channel, "", "fewer than four JSON parts after delimiter")
	}

	sig := frames[idx+1]
	headerB := frames[idx+2]
	parentB := frames[idx+3]
	metadataB := frames[idx+4]
	contentB := frames[idx+5]
	buffers := frames[idx+6:]

	if len(s.key) > 0 {
		expected := s.sign(headerB, parentB, metadataB, contentB)
		if !hmac.Equal(sig, []byte(expected)) {
			return nil, kerrors.New(kerrors.InvalidSignature, channel, "", "signature verification failed")
		}
	}

	sigHex := string(sig)
	if dedupe && sigHex != "" {
		if s.digest.seenAndRecord(sigHex) {
			return nil, kerrors.New(kerrors.DuplicateSignature, channel, "", "replayed signature on "+channel)
		}
	}

	var msg Message
	if err := json.Unmarshal(headerB, &msg.Header); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, channel, "", "decode header", err)
	}
	if err := json.Unmarshal(parentB, &msg.ParentHeader); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, channel, "", "decode parent header", err)
	}
	if err := json.Unmarshal(metadataB, &msg.Metadata); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, channel, msg.Header.MsgID, "decode metadata", err)
	}
	if err := json.Unmarshal(contentB, &msg.Content); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, channel, msg.Header.MsgID, "decode content", err)
	}
	if len(buffers) > 0 {
		msg.Buffers = buffers
	}
	return &msg, nil
}
