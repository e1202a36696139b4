package router

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 100; i++ {
		if !q.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if q.Len() != 100 {
		t.Errorf("Len() = %d, want 100", q.Len())
	}

	for i := 0; i < 100; i++ {
		val, ok := q.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if _, ok := q.TryReceive(); ok {
		t.Error("TryReceive should return false when empty")
	}
}

func TestQueue_InterleavedReuse(t *testing.T) {
	q := NewQueue[int](3)

	q.Send(1)
	q.Send(2)
	q.Send(3)
	q.TryReceive()
	q.TryReceive()

	// Full slice with a consumed prefix: Send compacts instead of growing
	q.Send(4)
	q.Send(5)
	q.Send(6)

	for _, want := range []int{3, 4, 5, 6} {
		got, ok := q.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_BlockingReceive(t *testing.T) {
	q := NewQueue[int](10)
	received := make(chan int, 1)

	go func() {
		if val, ok := q.Receive(); ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue[int](10)
	q.Send(1)
	q.Send(2)
	q.Close()

	if q.Send(3) {
		t.Error("Send should return false after Close")
	}

	// Pending items drain after close
	for _, want := range []int{1, 2} {
		val, ok := q.Receive()
		if !ok || val != want {
			t.Errorf("Receive() = %d, %v; want %d, true", val, ok, want)
		}
	}

	if _, ok := q.Receive(); ok {
		t.Error("Receive should return false when closed and drained")
	}
}

func TestQueue_CloseUnblocksReceive(t *testing.T) {
	q := NewQueue[int](10)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestQueue_ConcurrentSendReceive(t *testing.T) {
	q := NewQueue[int](10)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			q.Send(i)
		}
	}()

	received := make([]int, 0, numItems)
	for i := 0; i < numItems; i++ {
		val, ok := q.Receive()
		if !ok {
			t.Fatal("unexpected closed queue")
		}
		received = append(received, val)
	}
	wg.Wait()

	// Single producer: order is preserved
	for i, val := range received {
		if val != i {
			t.Fatalf("received[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue[int](0)

	q.Send(1)
	q.Send(2)
	q.Send(3)
	q.TryReceive()
	q.TryReceive()

	stats := q.Stats()
	if stats.Depth != 1 || stats.Enqueued != 3 || stats.Dequeued != 2 || stats.HighWater != 3 {
		t.Errorf("stats = %+v", stats)
	}
}
