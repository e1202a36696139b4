package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/bridge"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/database"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/optimistic"
	"github.com/rickgao/livesync/internal/poller"
	"github.com/rickgao/livesync/internal/realtime"
)

// REST endpoints and envelope keys per resource.
const (
	tasksPath             = "/api/facility-tasks"
	notificationsPath     = "/api/notifications"
	taskNotificationsPath = "/api/task-notifications"
)

type tasksOptions struct {
	*rootOptions
	Notifications bool
	ReadOnly      bool
}

func newTasksCommand(root *rootOptions) *cobra.Command {
	opts := &tasksOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Serve a live, optimistic view of facility tasks",
		Long: `Load facility tasks, keep them current from the realtime channel and
serve them over HTTP. Mutations posted to /tasks show up immediately and
roll back if the backend rejects them.

Example:
  livesync tasks --config configs/livesync.local.yaml
  curl localhost:8080/health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Notifications, "notifications", true, "also mirror notifications and task notifications")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "reject mutations")

	return cmd
}

func runTasks(cmd *cobra.Command, opts *tasksOptions) error {
	cfg, logger, err := opts.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signalContext(parent, logger)
	defer cancel()

	tokens, err := newTokenSource(cfg.Auth)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	var apiTokens api.TokenSource
	if tokens != nil {
		apiTokens = tokens
	}
	client := api.NewClient(cfg.API.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithTokenSource(apiTokens),
	)
	tasksAPI := api.NewResource[model.Task](client, tasksPath, "tasks", "task")

	var taskLoader bridge.Loader[model.Task] = tasksAPI
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Postgres, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		taskLoader = database.NewTableLoader[model.Task](pool, cfg.Database.TasksTable, "created_at")
	}

	mux, err := newMultiplexer(cfg, tokens, logger)
	if err != nil {
		return err
	}
	defer mux.Close()

	onStatus, drops := dropNotifier()
	go superviseReconnect(ctx, mux, drops,
		newBackoff(cfg.Realtime.ReconnectBaseDelay, cfg.Realtime.ReconnectMaxDelay), logger)

	tasks, err := mirror(ctx, mux, mirrorConfig[model.Task]{
		resource: model.ResourceTasks,
		loader:   taskLoader,
		idFn:     model.TaskID,
		onStatus: onStatus,
		cfg:      cfg,
		logger:   logger,
	})
	if err != nil {
		return err
	}
	defer tasks.Unbind()

	unwatch := tasks.Store().Subscribe(func(view []model.Task) {
		logger.Debug("task view changed", "tasks", len(view))
	})
	defer unwatch()

	p := poller.New(poller.Config{
		SweepInterval:  cfg.Store.SweepInterval,
		MaxPendingAge:  cfg.Store.MaxPendingAge,
		ResyncInterval: cfg.Store.ResyncInterval,
		Concurrency:    cfg.Store.Concurrency,
		Timeout:        cfg.API.Timeout,
	}, logger, tasks)
	collections := []collection{collectionOf(tasks)}

	if opts.Notifications {
		notifications, err := mirror(ctx, mux, mirrorConfig[model.Notification]{
			resource: model.ResourceNotifications,
			loader:   api.NewResource[model.Notification](client, notificationsPath, "notifications", "notification"),
			idFn:     model.NotificationID,
			cfg:      cfg,
			logger:   logger,
		})
		if err != nil {
			return err
		}
		defer notifications.Unbind()

		taskNotifications, err := mirror(ctx, mux, mirrorConfig[model.TaskNotification]{
			resource: model.ResourceTaskNotifications,
			loader:   unexpired(api.NewResource[model.TaskNotification](client, taskNotificationsPath, "notifications", "notification")),
			idFn:     model.TaskNotificationID,
			cfg:      cfg,
			logger:   logger,
		})
		if err != nil {
			return err
		}
		defer taskNotifications.Unbind()

		p.Add(notifications)
		p.Add(taskNotifications)
		collections = append(collections, collectionOf(notifications), collectionOf(taskNotifications))
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		p.Stop(stopCtx)
	}()

	srv := &server{
		ctx:         ctx,
		conn:        mux,
		tasks:       tasks.Store(),
		collections: collections,
		logger:      logger.With("component", "http"),
		started:     time.Now(),
		waitTimeout: cfg.Store.MaxPendingAge,
	}
	if !opts.ReadOnly {
		srv.backend = tasksAPI
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "port", cfg.Health.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("livesync running",
		"instance_id", cfg.Instance.ID,
		"tasks", len(tasks.Store().OptimisticData()),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...", "pending_tasks", tasks.Store().PendingCount())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	return nil
}

type mirrorConfig[T any] struct {
	resource string
	loader   bridge.Loader[T]
	idFn     optimistic.IDFunc[T]
	onStatus realtime.StatusHandler
	cfg      *config.Config
	logger   *slog.Logger
}

// mirror loads a collection into a new store and binds it to the realtime
// channel.
func mirror[T any](ctx context.Context, mux bridge.Subscriber, mc mirrorConfig[T]) (*bridge.Binding[T], error) {
	start := time.Now()
	items, err := mc.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial load of %s: %w", mc.resource, err)
	}
	mc.logger.Info("initial load complete", "resource", mc.resource, "count", len(items), "duration", time.Since(start))

	store := optimistic.New(mc.idFn,
		optimistic.WithBaseData(items),
		optimistic.WithLogger[T](mc.logger.With("resource", mc.resource)),
	)
	return bridge.Bind(ctx, mux, store, bridge.Config[T]{
		ID:            mc.cfg.Instance.ID + ":" + mc.resource,
		Resource:      mc.resource,
		Loader:        mc.loader,
		IDFunc:        mc.idFn,
		ApplyRecords:  true,
		OnStatus:      mc.onStatus,
		ResyncTimeout: mc.cfg.API.Timeout,
		Logger:        mc.logger,
	})
}

// unexpired drops task notifications past their expiry from every load.
func unexpired(l bridge.Loader[model.TaskNotification]) bridge.Loader[model.TaskNotification] {
	return bridge.LoaderFunc[model.TaskNotification](func(ctx context.Context) ([]model.TaskNotification, error) {
		items, err := l.Load(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		kept := items[:0]
		for _, n := range items {
			if !n.Expired(now) {
				kept = append(kept, n)
			}
		}
		return kept, nil
	})
}
