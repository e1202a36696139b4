package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/livesync/internal/bridge"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/optimistic"
	"github.com/rickgao/livesync/internal/realtime"
	"github.com/rickgao/livesync/internal/version"
)

type connStatus interface {
	ConnectionState() realtime.ConnectionState
	Stats() realtime.Stats
}

// taskBackend produces the perform closures for task mutations.
type taskBackend interface {
	CreateFunc(entity any) func(context.Context) (model.Task, error)
	UpdateFunc(id string, changes map[string]any) func(context.Context) (model.Task, error)
	DeleteFunc(id string) func(context.Context) error
}

// collection summarizes one bound store for /health.
type collection struct {
	name    string
	stats   func() bridge.Stats
	size    func() int
	pending func() int
}

func collectionOf[T any](b *bridge.Binding[T]) collection {
	return collection{
		name:    b.Name(),
		stats:   b.Stats,
		size:    func() int { return len(b.Store().OptimisticData()) },
		pending: b.Store().PendingCount,
	}
}

// server exposes health and the optimistic task view over HTTP.
type server struct {
	ctx         context.Context // Lifetime of mutations started by requests
	conn        connStatus
	tasks       *optimistic.Store[model.Task]
	backend     taskBackend
	collections []collection
	logger      *slog.Logger
	started     time.Time
	waitTimeout time.Duration
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/pending", s.handlePending)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status     string         `json:"status"`
		Version    version.Info   `json:"version"`
		Uptime     string         `json:"uptime"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Version:    version.Get(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Components: make(map[string]any),
	}

	state := s.conn.ConnectionState()
	stats := s.conn.Stats()
	rt := map[string]any{
		"state":            state.State.String(),
		"subscribers":      state.SubscriberCount,
		"bindings":         stats.Bindings,
		"epoch":            stats.Epoch,
		"events_received":  stats.EventsReceived,
		"events_delivered": stats.EventsDelivered,
		"handler_errors":   stats.HandlerErrors,
		"handler_panics":   stats.HandlerPanics,
		"queue_depth":      stats.QueueDepth,
		"reconnects":       stats.Reconnects,
	}
	if state.LastError != nil {
		rt["last_error"] = state.LastError.Error()
	}
	health.Components["realtime"] = rt

	switch state.State {
	case realtime.StateConnected:
	case realtime.StateDisconnected:
		health.Status = "unhealthy"
	default:
		health.Status = "degraded"
	}

	for _, c := range s.collections {
		bs := c.stats()
		comp := map[string]any{
			"items":         c.size(),
			"pending":       c.pending(),
			"applied":       bs.Applied,
			"resyncs":       bs.Resyncs,
			"resync_errors": bs.ResyncErrors,
			"decode_errors": bs.DecodeErrors,
		}
		if !bs.LastResync.IsZero() {
			comp["last_resync"] = bs.LastResync
		}
		health.Components[c.name] = comp
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.tasks.OptimisticData()
	if r.URL.Query().Get("open") == "true" {
		open := tasks[:0:0]
		for _, t := range tasks {
			if !t.Done() {
				open = append(open, t)
			}
		}
		tasks = open
	}
	respond(w, http.StatusOK, map[string]any{"count": len(tasks), "tasks": tasks})
}

// pendingView is the JSON form of a pending action.
type pendingView struct {
	EntityID    string      `json:"entity_id"`
	Kind        string      `json:"kind"`
	Token       uint64      `json:"token"`
	Age         string      `json:"age"`
	Speculative model.Task  `json:"speculative"`
	Original    *model.Task `json:"original,omitempty"`
}

func (s *server) handlePending(w http.ResponseWriter, r *http.Request) {
	actions := s.tasks.PendingActions()
	out := make([]pendingView, 0, len(actions))
	for _, a := range actions {
		out = append(out, pendingView{
			EntityID:    a.EntityID,
			Kind:        a.Kind.String(),
			Token:       a.Token,
			Age:         time.Since(a.CreatedAt).Round(time.Millisecond).String(),
			Speculative: a.Speculative,
			Original:    a.Original,
		})
	}
	respond(w, http.StatusOK, map[string]any{"count": len(out), "pending": out})
}

func (s *server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusNotImplemented, errors.New("mutations are disabled"))
		return
	}
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if task.Title == "" {
		respondError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}

	body, err := createBody(task)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC()
	task.ID = optimistic.NewTempID()
	task.CreatedAt, task.UpdatedAt = now, now

	res := s.tasks.Create(s.ctx, task.ID, task, s.backend.CreateFunc(body))
	go s.await("create", task.ID, res)
	respond(w, http.StatusAccepted, map[string]any{"id": task.ID, "token": res.Token(), "task": task})
}

func (s *server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusNotImplemented, errors.New("mutations are disabled"))
		return
	}
	id := r.PathValue("id")
	var changes optimistic.Patch
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	delete(changes, "id")
	if len(changes) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("no changes"))
		return
	}

	res, err := s.tasks.Update(s.ctx, id, changes, s.backend.UpdateFunc(id, changes), nil)
	if err != nil {
		respondError(w, mutationStatus(err), err)
		return
	}
	go s.await("update", id, res)
	respond(w, http.StatusAccepted, map[string]any{"id": id, "token": res.Token()})
}

func (s *server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusNotImplemented, errors.New("mutations are disabled"))
		return
	}
	id := r.PathValue("id")
	res, err := s.tasks.Delete(s.ctx, id, s.backend.DeleteFunc(id), nil)
	if err != nil {
		respondError(w, mutationStatus(err), err)
		return
	}
	go s.await("delete", id, res)
	respond(w, http.StatusAccepted, map[string]any{"id": id, "token": res.Token()})
}

// await logs how a mutation settled.
func (s *server) await(op, id string, res *optimistic.Result[model.Task]) {
	ctx, cancel := context.WithTimeout(s.ctx, s.waitTimeout)
	defer cancel()

	task, err := res.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.Warn("mutation still pending", "op", op, "id", id, "token", res.Token())
	case err != nil:
		s.logger.Warn("mutation rolled back", "op", op, "id", id, "error", err)
	case res.Stale():
		s.logger.Info("mutation settled behind a newer one", "op", op, "id", id, "token", res.Token())
	default:
		s.logger.Info("mutation committed", "op", op, "id", id, "server_id", task.ID)
	}
}

func mutationStatus(err error) int {
	switch {
	case errors.Is(err, optimistic.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, optimistic.ErrCreatePending):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// createBody is the task as sent to the backend, without the fields the
// backend assigns.
func createBody(task model.Task) (map[string]any, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	delete(body, "id")
	delete(body, "created_at")
	delete(body, "updated_at")
	return body, nil
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, map[string]string{"error": err.Error()})
}
