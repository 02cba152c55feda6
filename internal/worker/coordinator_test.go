package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/strand/internal/queue"
)

func startCoordinator(t *testing.T, mgr *queue.Manager, proc Processor, cfg Config) {
	t.Helper()
	if cfg.WakeInterval == 0 {
		cfg.WakeInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = time.Second
	}
	c := NewCoordinator(mgr, proc, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
}

// waitState polls until the message reaches the wanted state.
func waitState(t *testing.T, mgr *queue.Manager, id string, want queue.State) queue.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := mgr.GetMessage(id)
		if ok && msg.State == want {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg, _ := mgr.GetMessage(id)
	t.Fatalf("message %s stuck in state %s, want %s", id, msg.State, want)
	return queue.Message{}
}

func TestCoordinatorProcessesMessage(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		emit("hel")
		emit("lo")
		return "hello", nil
	})
	startCoordinator(t, mgr, proc, Config{})

	msg, err := mgr.Enqueue("hi", "t1", queue.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	got := waitState(t, mgr, msg.ID, queue.StateCompleted)
	if got.Result != "hello" {
		t.Errorf("result = %q, want %q", got.Result, "hello")
	}
	if len(got.Chunks) != 2 {
		t.Errorf("chunks = %v, want two", got.Chunks)
	}
}

func TestCoordinatorBuildsHistory(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	var mu sync.Mutex
	histories := make(map[string][]queue.Message)
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		mu.Lock()
		histories[msg.Content] = history
		mu.Unlock()
		return "answer to " + msg.Content, nil
	})
	startCoordinator(t, mgr, proc, Config{})

	first, _ := mgr.Enqueue("first", "t1", queue.PriorityNormal)
	waitState(t, mgr, first.ID, queue.StateCompleted)
	second, _ := mgr.Enqueue("second", "t1", queue.PriorityNormal)
	waitState(t, mgr, second.ID, queue.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(histories["first"]) != 0 {
		t.Errorf("first message saw history %v, want none", histories["first"])
	}
	h := histories["second"]
	if len(h) != 1 || h[0].Content != "first" || h[0].Result != "answer to first" {
		t.Errorf("second message history = %+v, want completed first message", h)
	}
}

func TestSingleWorkerPerThread(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	var inFlight, maxInFlight int32
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})
	startCoordinator(t, mgr, proc, Config{})

	var last queue.Message
	for i := 0; i < 5; i++ {
		last, _ = mgr.Enqueue(fmt.Sprintf("msg %d", i), "t1", queue.PriorityNormal)
	}
	waitState(t, mgr, last.ID, queue.StateCompleted)

	if atomic.LoadInt32(&maxInFlight) != 1 {
		t.Errorf("max concurrent workers on one thread = %d, want 1", maxInFlight)
	}
}

func TestConcurrencyAcrossThreads(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	// Both workers must be in flight at once before either returns.
	var rendezvous sync.WaitGroup
	rendezvous.Add(2)
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		rendezvous.Done()
		done := make(chan struct{})
		go func() {
			rendezvous.Wait()
			close(done)
		}()
		select {
		case <-done:
			return "ok", nil
		case <-time.After(3 * time.Second):
			return "", errors.New("peer thread never started processing")
		}
	})
	startCoordinator(t, mgr, proc, Config{})

	m1, _ := mgr.Enqueue("a", "t1", queue.PriorityNormal)
	m2, _ := mgr.Enqueue("b", "t2", queue.PriorityNormal)

	waitState(t, mgr, m1.ID, queue.StateCompleted)
	waitState(t, mgr, m2.ID, queue.StateCompleted)
}

func TestProcessorErrorMarksFailed(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		return "", errors.New("model exploded")
	})
	startCoordinator(t, mgr, proc, Config{})

	msg, _ := mgr.Enqueue("hi", "t1", queue.PriorityNormal)
	got := waitState(t, mgr, msg.ID, queue.StateFailed)
	if got.Error != "model exploded" {
		t.Errorf("error = %q, want collaborator error text", got.Error)
	}
}

func TestProcessingTimeoutMarksFailed(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	startCoordinator(t, mgr, proc, Config{ProcessingTimeout: 30 * time.Millisecond})

	msg, _ := mgr.Enqueue("slow", "t1", queue.PriorityNormal)
	got := waitState(t, mgr, msg.ID, queue.StateFailed)
	if !strings.Contains(got.Error, "processing timeout after") {
		t.Errorf("error = %q, want timeout message", got.Error)
	}
}

func TestProcessorPanicDoesNotKillCoordinator(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	var calls int32
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("worker bug")
		}
		return "ok", nil
	})
	startCoordinator(t, mgr, proc, Config{})

	mgr.Enqueue("boom", "t1", queue.PriorityNormal)
	// A later message on another thread still gets processed.
	msg, _ := mgr.Enqueue("fine", "t2", queue.PriorityNormal)
	waitState(t, mgr, msg.ID, queue.StateCompleted)
}

func TestCancelledMessageIsSkipped(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		if msg.Content == "block" {
			<-release
		}
		return "ok", nil
	})
	startCoordinator(t, mgr, proc, Config{})

	// Keep the worker busy so the cancel lands before the dequeue.
	blocker, _ := mgr.Enqueue("block", "t1", queue.PriorityNormal)
	waitState(t, mgr, blocker.ID, queue.StateProcessing)

	victim, _ := mgr.Enqueue("cancel me", "t1", queue.PriorityNormal)
	survivor, _ := mgr.Enqueue("process me", "t1", queue.PriorityNormal)
	if err := mgr.Cancel(victim.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	waitState(t, mgr, survivor.ID, queue.StateCompleted)
	got, _ := mgr.GetMessage(victim.ID)
	if got.State != queue.StateCancelled {
		t.Errorf("victim state = %s, want cancelled", got.State)
	}
}

func TestMaxWorkersLimitsConcurrency(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})

	var inFlight, maxInFlight int32
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(string)) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})
	startCoordinator(t, mgr, proc, Config{MaxWorkers: 2})

	var msgs []queue.Message
	for i := 0; i < 6; i++ {
		m, _ := mgr.Enqueue("work", fmt.Sprintf("t%d", i), queue.PriorityNormal)
		msgs = append(msgs, m)
	}
	for _, m := range msgs {
		waitState(t, mgr, m.ID, queue.StateCompleted)
	}

	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Errorf("max concurrent workers = %d, want <= 2", got)
	}
}
