package sdnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "tt2tg/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStateMessages(t *testing.T) {
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify

	n.Ready()
	n.Status("pending=3")
	n.Stopping()

	want := []string{"READY=1", "STATUS=pending=3", "STOPPING=1"}
	for i, s := range want {
		if rec.states[i] != s {
			t.Fatalf("state[%d] = %q, want %q", i, rec.states[i], s)
		}
	}
}

func TestWatchdogPings(t *testing.T) {
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx)
	if rec.count("WATCHDOG=1") < 2 {
		t.Fatalf("watchdog pings = %d", rec.count("WATCHDOG=1"))
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n := New(logx.Nop())
	n.notify = (&recorder{}).notify
	n.watchdog = func(bool) (time.Duration, error) { return 0, nil }

	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked without a configured interval")
	}
}
