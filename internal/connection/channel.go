package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TokenSource supplies the bearer token presented on the websocket upgrade.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Channel is a joined realtime session over one websocket.
type Channel struct {
	cfg       ChannelConfig
	codec     Codec
	tokens    TokenSource
	logger    *slog.Logger
	sessionID string

	mu     sync.Mutex
	client Client
	joined bool
	closed bool

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan frame
	cmdID     atomic.Int64

	// Server subscription ids per resource
	sidsMu sync.Mutex
	sids   map[string][]int64
}

// NewChannel creates an unjoined channel. tokens may be nil.
func NewChannel(cfg ChannelConfig, tokens TokenSource, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	defaults := DefaultChannelConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = defaults.EventBufferSize
	}

	sessionID := uuid.NewString()
	return &Channel{
		cfg:       cfg,
		codec:     codec,
		tokens:    tokens,
		logger:    logger.With("component", "channel", "session_id", sessionID),
		sessionID: sessionID,
		events:    make(chan Event, cfg.EventBufferSize),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
		pending:   make(map[int64]chan frame),
		sids:      make(map[string][]int64),
	}, nil
}

// SessionID identifies this channel to the server.
func (ch *Channel) SessionID() string {
	return ch.sessionID
}

// Join dials the socket and completes the join handshake. It is a no-op
// on an already joined channel.
func (ch *Channel) Join(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrAlreadyClosed
	}
	if ch.joined {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	header := http.Header{}
	header.Set("X-Session-Id", ch.sessionID)
	if ch.tokens != nil {
		token, err := ch.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	client := NewClient(ch.cfg.Client, ch.logger)
	if err := client.Connect(ctx, header); err != nil {
		return fmt.Errorf("dial %s: %w", ch.cfg.Client.URL, err)
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		client.Close()
		return ErrAlreadyClosed
	}
	ch.client = client
	ch.mu.Unlock()

	ch.wg.Add(1)
	go ch.readLoop(client)

	if _, err := ch.command(ctx, "join", JoinParams{SessionID: ch.sessionID, Client: ch.cfg.ClientName}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()

	ch.logger.Info("channel joined", "url", ch.cfg.Client.URL, "codec", ch.codec.Name())
	return nil
}

// Listen binds resource on the server for the given kinds. Listening again
// on a resource adds another server subscription; Unlisten drops them all.
func (ch *Channel) Listen(ctx context.Context, resource string, kinds []EventKind) error {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	resp, err := ch.command(ctx, "listen", ListenParams{Resource: resource, Events: kinds})
	if err != nil {
		return fmt.Errorf("listen %s: %w", resource, err)
	}

	sid := resp.SID
	if len(resp.Msg) > 0 {
		var msg ListeningMsg
		if err := ch.codec.Unmarshal(resp.Msg, &msg); err == nil && msg.SID != 0 {
			sid = msg.SID
		}
	}

	ch.sidsMu.Lock()
	ch.sids[resource] = append(ch.sids[resource], sid)
	ch.sidsMu.Unlock()

	ch.logger.Debug("listening", "resource", resource, "sid", sid, "kinds", kinds)
	return nil
}

// Unlisten drops every server subscription for resource.
func (ch *Channel) Unlisten(ctx context.Context, resource string) error {
	ch.sidsMu.Lock()
	sids := ch.sids[resource]
	delete(ch.sids, resource)
	ch.sidsMu.Unlock()

	if len(sids) == 0 {
		return nil
	}

	if _, err := ch.command(ctx, "unlisten", UnlistenParams{SIDs: sids}); err != nil {
		return fmt.Errorf("unlisten %s: %w", resource, err)
	}
	return nil
}

// Broadcast sends an ephemeral message to every participant of the session.
func (ch *Channel) Broadcast(ctx context.Context, event string, payload any) error {
	if _, err := ch.command(ctx, "broadcast", BroadcastParams{Event: event, Payload: payload}); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

// Events returns decoded change and broadcast events.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

// Errors reports the first fatal channel error.
func (ch *Channel) Errors() <-chan error {
	return ch.errors
}

// Close releases the socket. Safe to call more than once.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	client := ch.client
	ch.mu.Unlock()

	close(ch.done)

	var err error
	if client != nil {
		err = client.Close()
	}
	ch.wg.Wait()

	ch.logger.Debug("channel closed")
	return err
}

func (ch *Channel) currentClient() Client {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.client
}

// command sends a command and waits for its correlated reply.
func (ch *Channel) command(ctx context.Context, cmd string, params any) (frame, error) {
	client := ch.currentClient()
	if client == nil {
		return frame{}, ErrNotConnected
	}

	id := ch.cmdID.Add(1)
	respCh := make(chan frame, 1)

	ch.pendingMu.Lock()
	ch.pending[id] = respCh
	ch.pendingMu.Unlock()

	defer func() {
		ch.pendingMu.Lock()
		delete(ch.pending, id)
		ch.pendingMu.Unlock()
	}()

	data, err := ch.codec.Marshal(Command{ID: id, Cmd: cmd, Params: params})
	if err != nil {
		return frame{}, fmt.Errorf("marshal %s: %w", cmd, err)
	}

	if err := client.Send(ch.codec.MessageType(), data); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(ch.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Type == frameError {
			return frame{}, ch.serverError(resp)
		}
		return resp, nil
	case <-timer.C:
		return frame{}, ErrTimeout
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-ch.done:
		return frame{}, ErrAlreadyClosed
	}
}

func (ch *Channel) serverError(f frame) error {
	var msg ErrorMsg
	if len(f.Msg) > 0 {
		if err := ch.codec.Unmarshal(f.Msg, &msg); err != nil {
			msg.Message = "undecodable error reply"
		}
	}
	return &ServerError{Code: msg.Code, Message: msg.Message}
}

// readLoop routes replies to waiting commands and data frames to Events.
func (ch *Channel) readLoop(client Client) {
	defer ch.wg.Done()

	for {
		select {
		case <-ch.done:
			return

		case err := <-client.Errors():
			ch.logger.Warn("channel read failed", "error", err)
			ch.fail(err)
			return

		case msg := <-client.Messages():
			f, err := ch.codec.decodeFrame(msg.Data)
			if err != nil {
				ch.logger.Warn("failed to decode frame", "error", err, "size", len(msg.Data))
				continue
			}

			switch f.Type {
			case frameJoined, frameListening, frameUnlistened, frameOK, frameError:
				if f.ID == 0 {
					if f.Type == frameError {
						err := ch.serverError(f)
						ch.logger.Warn("server closed session", "error", err)
						ch.fail(err)
						return
					}
					continue
				}
				ch.routeResponse(f)

			case frameChange:
				ev, err := ch.changeEvent(f, msg.ReceivedAt)
				if err != nil {
					ch.logger.Warn("dropping malformed change", "error", err, "sid", f.SID)
					continue
				}
				if !ch.deliver(ev) {
					return
				}

			case frameBroadcast:
				b, err := ch.codec.decodeBroadcast(f.Msg)
				if err != nil {
					ch.logger.Warn("dropping malformed broadcast", "error", err)
					continue
				}
				ev := Event{
					Resource:   BroadcastResourcePrefix + b.Event,
					Kind:       KindCreated,
					Payload:    b.Payload,
					ReceivedAt: msg.ReceivedAt,
					codec:      ch.codec,
				}
				if !ch.deliver(ev) {
					return
				}

			default:
				ch.logger.Debug("ignoring frame", "type", f.Type)
			}
		}
	}
}

func (ch *Channel) changeEvent(f frame, receivedAt time.Time) (Event, error) {
	c, err := ch.codec.decodeChange(f.Msg)
	if err != nil {
		return Event{}, err
	}
	kind, err := ParseEventKind(c.Event)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Resource:   c.Resource,
		Kind:       kind,
		Payload:    c.Record,
		Old:        c.OldRecord,
		CommitTs:   c.CommitTs,
		ReceivedAt: receivedAt,
		codec:      ch.codec,
	}, nil
}

func (ch *Channel) deliver(ev Event) bool {
	select {
	case ch.events <- ev:
		return true
	case <-ch.done:
		return false
	}
}

func (ch *Channel) routeResponse(f frame) {
	ch.pendingMu.Lock()
	respCh, ok := ch.pending[f.ID]
	ch.pendingMu.Unlock()

	if !ok {
		ch.logger.Debug("reply for unknown command", "id", f.ID, "type", f.Type)
		return
	}

	select {
	case respCh <- f:
	default:
	}
}

func (ch *Channel) fail(err error) {
	select {
	case ch.errors <- err:
	default:
	}
}
