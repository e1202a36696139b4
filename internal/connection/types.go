package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrEmptyPayload    = errors.New("event has no payload")
	ErrUnknownKind     = errors.New("unknown event kind")
)

// ServerError is an "error" reply from the realtime backend.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("realtime server error %s: %s", e.Code, e.Message)
}

// EventKind classifies a change to a resource.
type EventKind string

const (
	KindCreated EventKind = "INSERT"
	KindUpdated EventKind = "UPDATE"
	KindDeleted EventKind = "DELETE"
)

// AllKinds lists every event kind in wire order.
var AllKinds = []EventKind{KindCreated, KindUpdated, KindDeleted}

// ParseEventKind accepts wire names (INSERT/UPDATE/DELETE) and
// created/updated/deleted in any case.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "CREATED":
		return KindCreated, nil
	case "UPDATE", "UPDATED":
		return KindUpdated, nil
	case "DELETE", "DELETED":
		return KindDeleted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseEventKinds parses a list of kinds, rejecting the first invalid one.
func ParseEventKinds(names []string) ([]EventKind, error) {
	kinds := make([]EventKind, 0, len(names))
	for _, name := range names {
		k, err := ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Event is one change delivered by the backend. Payload and Old are opaque
// bytes in the codec of the channel that produced the event.
type Event struct {
	Resource   string
	Kind       EventKind
	Payload    []byte    // New record (empty for deletes)
	Old        []byte    // Previous record, if the backend sent one
	CommitTs   int64     // Backend commit time, microseconds since epoch
	ReceivedAt time.Time // Local timestamp when the frame was read

	codec Codec
}

// NewEvent builds a JSON-encoded event. Used by tests and in-process backends.
func NewEvent(resource string, kind EventKind, record, old []byte) Event {
	return Event{
		Resource:   resource,
		Kind:       kind,
		Payload:    record,
		Old:        old,
		ReceivedAt: time.Now(),
		codec:      JSON,
	}
}

// Decode parses the new record into v.
func (e Event) Decode(v any) error {
	return e.decode(e.Payload, v)
}

// DecodeOld parses the previous record into v.
func (e Event) DecodeOld(v any) error {
	return e.decode(e.Old, v)
}

func (e Event) decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	codec := e.codec
	if codec == nil {
		codec = JSON
	}
	return codec.Unmarshal(data, v)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command is a request frame sent to the server.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

// JoinParams are parameters for the join command.
type JoinParams struct {
	SessionID string `json:"session_id"`
	Client    string `json:"client,omitempty"`
}

// ListenParams are parameters for a listen command.
type ListenParams struct {
	Resource string      `json:"resource"`
	Events   []EventKind `json:"events"`
}

// UnlistenParams are parameters for an unlisten command.
type UnlistenParams struct {
	SIDs []int64 `json:"sids"`
}

// BroadcastParams are parameters for a broadcast command.
type BroadcastParams struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// JoinedMsg is the message content for a "joined" reply.
type JoinedMsg struct {
	SessionID string `json:"session_id"`
}

// ListeningMsg is the message content for a "listening" reply.
type ListeningMsg struct {
	SID      int64  `json:"sid"`
	Resource string `json:"resource"`
}

// ErrorMsg is the message content for an "error" reply.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame types sent by the server.
const (
	frameJoined     = "joined"
	frameListening  = "listening"
	frameUnlistened = "unlistened"
	frameOK         = "ok"
	frameError      = "error"
	frameChange     = "change"
	frameBroadcast  = "broadcast"
)

// BroadcastResourcePrefix prefixes the resource name of broadcast events.
const BroadcastResourcePrefix = "broadcast:"

// frame is a decoded server frame with its message left encoded.
type frame struct {
	ID   int64
	Type string
	SID  int64
	Msg  []byte
}

// changeMsg is the message content for a "change" frame.
type changeMsg struct {
	Resource  string
	Event     string
	Record    []byte
	OldRecord []byte
	CommitTs  int64
}

// broadcastMsg is the message content for a "broadcast" frame.
type broadcastMsg struct {
	Event   string
	Payload []byte
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://realtime.example.com/v1/socket)
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	Client          ClientConfig
	Codec           string        // "json" (default) or "msgpack"
	CommandTimeout  time.Duration // Max wait for a command reply
	EventBufferSize int           // Buffer size of the Events() channel
	ClientName      string        // Reported to the server on join
}

// DefaultChannelConfig returns sensible defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Client:          DefaultClientConfig(),
		Codec:           "json",
		CommandTimeout:  10 * time.Second,
		EventBufferSize: 256,
	}
}
