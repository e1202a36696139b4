package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/connection"
)

func recordInto(log *[]string, name string) Handler {
	return func(connection.Event) error {
		*log = append(*log, name)
		return nil
	}
}

func TestTable_DispatchRegistrationOrder(t *testing.T) {
	tbl := NewTable[struct{}](nil)
	var calls []string

	tbl.Add(Route[struct{}]{ID: "b", Resource: "tasks", Handler: recordInto(&calls, "b")})
	tbl.Add(Route[struct{}]{ID: "a", Resource: "tasks", Handler: recordInto(&calls, "a")})
	tbl.Add(Route[struct{}]{ID: "c", Resource: "notifications", Handler: recordInto(&calls, "c")})

	res := tbl.Dispatch(connection.NewEvent("tasks", connection.KindCreated, []byte(`{}`), nil))

	assert.Equal(t, []string{"b", "a"}, calls)
	assert.Equal(t, DispatchResult{Matched: 2, Delivered: 2}, res)
}

func TestTable_KindFilter(t *testing.T) {
	tbl := NewTable[struct{}](nil)
	var calls []string

	tbl.Add(Route[struct{}]{ID: "deletes", Resource: "tasks", Kinds: []connection.EventKind{connection.KindDeleted}, Handler: recordInto(&calls, "deletes")})
	tbl.Add(Route[struct{}]{ID: "all", Resource: "tasks", Handler: recordInto(&calls, "all")})

	tbl.Dispatch(connection.NewEvent("tasks", connection.KindUpdated, nil, nil))
	assert.Equal(t, []string{"all"}, calls)

	calls = nil
	tbl.Dispatch(connection.NewEvent("tasks", connection.KindDeleted, nil, nil))
	assert.Equal(t, []string{"deletes", "all"}, calls)
}

func TestTable_FailureIsolation(t *testing.T) {
	tbl := NewTable[struct{}](nil)
	var calls []string

	tbl.Add(Route[struct{}]{ID: "err", Resource: "tasks", Handler: func(connection.Event) error {
		calls = append(calls, "err")
		return errors.New("boom")
	}})
	tbl.Add(Route[struct{}]{ID: "panic", Resource: "tasks", Handler: func(connection.Event) error {
		calls = append(calls, "panic")
		panic("handler bug")
	}})
	tbl.Add(Route[struct{}]{ID: "ok", Resource: "tasks", Handler: recordInto(&calls, "ok")})

	res := tbl.Dispatch(connection.NewEvent("tasks", connection.KindCreated, nil, nil))

	assert.Equal(t, []string{"err", "panic", "ok"}, calls)
	assert.Equal(t, DispatchResult{Matched: 3, Delivered: 1, Failed: 2}, res)

	stats := tbl.Stats()
	assert.Equal(t, int64(1), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.HandlerPanics)
	assert.Equal(t, int64(1), stats.Deliveries)
}

func TestTable_RemovedDuringDispatchIsSkipped(t *testing.T) {
	tbl := NewTable[struct{}](nil)
	var calls []string

	tbl.Add(Route[struct{}]{ID: "first", Resource: "tasks", Handler: func(connection.Event) error {
		calls = append(calls, "first")
		tbl.Remove("second")
		return nil
	}})
	tbl.Add(Route[struct{}]{ID: "second", Resource: "tasks", Handler: recordInto(&calls, "second")})

	tbl.Dispatch(connection.NewEvent("tasks", connection.KindCreated, nil, nil))
	assert.Equal(t, []string{"first"}, calls)
}

func TestTable_ReplaceMovesToEnd(t *testing.T) {
	tbl := NewTable[string](nil)
	var calls []string

	first, replaced := tbl.Add(Route[string]{ID: "x", Resource: "tasks", Meta: "v1", Handler: recordInto(&calls, "x1")})
	assert.Nil(t, replaced)
	tbl.Add(Route[string]{ID: "y", Resource: "tasks", Handler: recordInto(&calls, "y")})

	second, replaced := tbl.Add(Route[string]{ID: "x", Resource: "tasks", Meta: "v2", Handler: recordInto(&calls, "x2")})
	require.NotNil(t, replaced)
	assert.Equal(t, "v1", replaced.Meta)
	assert.Greater(t, second.Seq, first.Seq)
	assert.False(t, tbl.Active("x", first.Seq))
	assert.True(t, tbl.Active("x", second.Seq))

	tbl.Dispatch(connection.NewEvent("tasks", connection.KindCreated, nil, nil))
	assert.Equal(t, []string{"y", "x2"}, calls)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_Bindings(t *testing.T) {
	tbl := NewTable[struct{}](nil)
	tbl.Add(Route[struct{}]{ID: "1", Resource: "tasks", Kinds: []connection.EventKind{connection.KindCreated}})
	tbl.Add(Route[struct{}]{ID: "2", Resource: "tasks", Kinds: []connection.EventKind{connection.KindDeleted, connection.KindCreated}})
	tbl.Add(Route[struct{}]{ID: "3", Resource: "notifications"})

	bindings := tbl.Bindings()
	assert.Equal(t, []connection.EventKind{connection.KindDeleted, connection.KindCreated}, bindings["tasks"])
	assert.Nil(t, bindings["notifications"])
	assert.Len(t, bindings, 2)

	kinds, ok := tbl.KindsFor("tasks")
	assert.True(t, ok)
	assert.Equal(t, bindings["tasks"], kinds)

	_, ok = tbl.KindsFor("missing")
	assert.False(t, ok)

	tbl.Clear()
	assert.Empty(t, tbl.Bindings())
}

func TestKindHelpers(t *testing.T) {
	created := []connection.EventKind{connection.KindCreated}
	both := []connection.EventKind{connection.KindUpdated, connection.KindCreated}

	assert.Nil(t, NormalizeKinds(connection.AllKinds))
	assert.Equal(t, []connection.EventKind{connection.KindCreated, connection.KindUpdated}, NormalizeKinds(both))

	assert.True(t, Covers(nil, created))
	assert.True(t, Covers(both, created))
	assert.False(t, Covers(created, both))
	assert.False(t, Covers(created, nil))

	assert.Nil(t, UnionKinds(nil, created))
	assert.Equal(t, []connection.EventKind{connection.KindCreated, connection.KindUpdated}, UnionKinds(created, both))
}

func TestMissingKinds(t *testing.T) {
	created := []connection.EventKind{connection.KindCreated}

	assert.Nil(t, MissingKinds(nil, created))
	assert.Nil(t, MissingKinds(created, created))
	assert.Equal(t, []connection.EventKind{connection.KindUpdated, connection.KindDeleted}, MissingKinds(created, nil))
	assert.Equal(t, []connection.EventKind{connection.KindDeleted},
		MissingKinds(created, []connection.EventKind{connection.KindCreated, connection.KindDeleted}))
}
