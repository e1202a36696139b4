package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rickgao/livesync/internal/connection"
)

// Errors
var (
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrClosed               = errors.New("multiplexer closed")
	ErrNotConnected         = errors.New("realtime channel not connected")
	ErrBroadcastUnsupported = errors.New("channel does not support broadcast")
	ErrSuperseded           = errors.New("connection attempt superseded")
	ErrChannelClosed        = errors.New("channel closed its event stream")
)

// State is the lifecycle state of the shared channel.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventHandler receives the events a subscription asked for.
type EventHandler func(connection.Event) error

// StatusHandler receives channel state changes. err is set for
// StateDisconnected.
type StatusHandler func(State, error)

// Subscription is one logical listener on a resource.
type Subscription struct {
	ID       string
	Resource string
	Kinds    []connection.EventKind
	OnEvent  EventHandler
	OnStatus StatusHandler // Optional
}

// NewSubscriptionID returns a random id for callers that do not name their
// subscriptions.
func NewSubscriptionID(resource string) string {
	return resource + ":" + uuid.NewString()
}

// normalize checks s and returns a copy whose kinds are canonical, so
// "created" and "INSERT" both route as KindCreated.
func (s Subscription) normalize() (Subscription, error) {
	switch {
	case s.ID == "":
		return s, fmt.Errorf("%w: empty id", ErrInvalidSubscription)
	case s.Resource == "":
		return s, fmt.Errorf("%w: empty resource", ErrInvalidSubscription)
	case len(s.Kinds) == 0:
		return s, fmt.Errorf("%w: no event kinds", ErrInvalidSubscription)
	case s.OnEvent == nil:
		return s, fmt.Errorf("%w: nil event handler", ErrInvalidSubscription)
	}
	kinds := make([]connection.EventKind, 0, len(s.Kinds))
	for _, k := range s.Kinds {
		parsed, err := connection.ParseEventKind(string(k))
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
		}
		kinds = append(kinds, parsed)
	}
	s.Kinds = kinds
	return s, nil
}

// ConnectionState is a point-in-time snapshot.
type ConnectionState struct {
	State           State
	LastError       error
	SubscriberCount int
}

// Stats is a point-in-time snapshot of multiplexer activity.
type Stats struct {
	State           State
	SubscriberCount int
	Bindings        int
	Epoch           uint64
	EventsReceived  int64
	EventsDelivered int64
	HandlerErrors   int64
	HandlerPanics   int64
	QueueDepth      int
	LastEventAt     time.Time
	Reconnects      int64
}

// Channel is the push channel the multiplexer drives. Join must be called
// once before Listen; Events and Errors are read until Close.
type Channel interface {
	Join(ctx context.Context) error
	Listen(ctx context.Context, resource string, kinds []connection.EventKind) error
	Events() <-chan connection.Event
	Errors() <-chan error
	Close() error
}

// Unlistener is implemented by channels that can drop a resource binding.
type Unlistener interface {
	Unlisten(ctx context.Context, resource string) error
}

// Broadcaster is implemented by channels that can send client broadcasts.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// Dialer creates a fresh, unjoined channel.
type Dialer func(ctx context.Context) (Channel, error)
