package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

type countQueue struct {
	n   int
	err error
}

func (q *countQueue) Pending(context.Context) (int, error) { return q.n, q.err }

type fixedTarget struct {
	to kit.ChatTarget
	ok bool
}

func (f fixedTarget) Get() (kit.ChatTarget, bool) { return f.to, f.ok }

type recSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return kit.MessageRef{}, nil
}

func (r *recSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestCheck(t *testing.T) {
	bound := fixedTarget{to: kit.ChatTarget{ChatID: -100}, ok: true}
	cases := []struct {
		name   string
		queue  *countQueue
		target fixedTarget
		sent   bool
		text   string
		err    bool
	}{
		{"pending", &countQueue{n: 3}, bound, true, "🔔 3 items pending, send /sync", false},
		{"single", &countQueue{n: 1}, bound, true, "🔔 1 item pending, send /sync", false},
		{"empty", &countQueue{}, bound, false, "", false},
		{"no destination", &countQueue{n: 3}, fixedTarget{}, false, "", false},
		{"store error", &countQueue{err: errors.New("disk")}, bound, false, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			snd := &recSender{}
			s := New(Config{}, c.queue, c.target, snd, logx.Nop())
			sent, err := s.Check(context.Background())
			if (err != nil) != c.err {
				t.Fatalf("err = %v", err)
			}
			if sent != c.sent || snd.count() != map[bool]int{true: 1, false: 0}[c.sent] {
				t.Fatalf("sent = %v, texts = %v", sent, snd.texts)
			}
			if c.sent && snd.texts[0] != c.text {
				t.Fatalf("text = %q, want %q", snd.texts[0], c.text)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{Enabled: false, Schedule: "garbage"}, true},
		{Config{Enabled: true, Schedule: "0 9 * * *"}, true},
		{Config{Enabled: true, Schedule: "*/5 * * * * *"}, true},
		{Config{Enabled: true, Schedule: "@daily", Timezone: "Europe/Berlin"}, true},
		{Config{Enabled: true, Schedule: "61 * * * *"}, false},
		{Config{Enabled: true, Schedule: "0 9 * * *", Timezone: "Mars/Olympus"}, false},
	}
	for _, c := range cases {
		if err := Validate(c.cfg); (err == nil) != c.ok {
			t.Errorf("Validate(%+v) = %v", c.cfg, err)
		}
	}
}

func TestScheduleFires(t *testing.T) {
	snd := &recSender{}
	s := New(Config{Enabled: true, Schedule: "@every 1s"}, &countQueue{n: 2},
		fixedTarget{to: kit.ChatTarget{ChatID: 1}, ok: true}, snd, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if snd.count() == 0 {
		t.Fatal("reminder did not fire")
	}

	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	if running {
		t.Fatal("cron still running after disable")
	}
}
