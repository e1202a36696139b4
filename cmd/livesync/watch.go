package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/realtime"
)

type watchOptions struct {
	*rootOptions
	Resources []string
	Events    []string
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	opts := &watchOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print realtime change events",
		Long: `Subscribe to one or more resources over a single shared channel and
print every change event as a JSON line.

Example:
  livesync watch --resource facility_tasks --events INSERT,UPDATE
  livesync watch --resource facility_tasks --resource notifications`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Resources, "resource", nil, "resource to watch (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Events, "events", []string{"INSERT", "UPDATE", "DELETE"}, "event kinds to receive")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *watchOptions) error {
	kinds, err := connection.ParseEventKinds(opts.Events)
	if err != nil {
		return err
	}

	cfg, logger, err := opts.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	tokens, err := newTokenSource(cfg.Auth)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	mux, err := newMultiplexer(cfg, tokens, logger)
	if err != nil {
		return err
	}
	defer mux.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signalContext(parent, logger)
	defer cancel()

	onStatus, drops := dropNotifier()
	printer := &eventPrinter{w: cmd.OutOrStdout()}
	for _, resource := range opts.Resources {
		err := mux.Subscribe(ctx, realtime.Subscription{
			ID:       realtime.NewSubscriptionID(resource),
			Resource: resource,
			Kinds:    kinds,
			OnEvent:  printer.print,
			OnStatus: onStatus,
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", resource, err)
		}
	}
	logger.Info("watching", "resources", opts.Resources, "events", kinds)

	go superviseReconnect(ctx, mux, drops,
		newBackoff(cfg.Realtime.ReconnectBaseDelay, cfg.Realtime.ReconnectMaxDelay), logger)

	<-ctx.Done()

	stats := mux.Stats()
	logger.Info("watch stopped",
		"events_received", stats.EventsReceived,
		"events_delivered", stats.EventsDelivered,
		"reconnects", stats.Reconnects,
	)
	return nil
}

// printedEvent is one output line.
type printedEvent struct {
	Resource   string               `json:"resource"`
	Kind       connection.EventKind `json:"kind"`
	CommitTs   int64                `json:"commit_ts,omitempty"`
	ReceivedAt time.Time            `json:"received_at"`
	Record     map[string]any       `json:"record,omitempty"`
	OldRecord  map[string]any       `json:"old_record,omitempty"`
}

type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

// print decodes records with the event's own codec, so msgpack channels
// print the same JSON as json channels.
func (p *eventPrinter) print(ev connection.Event) error {
	out := printedEvent{
		Resource:   ev.Resource,
		Kind:       ev.Kind,
		CommitTs:   ev.CommitTs,
		ReceivedAt: ev.ReceivedAt,
	}
	if len(ev.Payload) > 0 {
		if err := ev.Decode(&out.Record); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
	}
	if len(ev.Old) > 0 {
		if err := ev.DecodeOld(&out.OldRecord); err != nil {
			return fmt.Errorf("decode old record: %w", err)
		}
	}

	line, err := json.Marshal(out)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.w, string(line))
	return err
}
