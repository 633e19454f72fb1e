package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "tt2tg/internal/transport"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))
	log.Debug("hidden")
	log.Info("claimed", Int("items", 3), Err(errors.New("boom")), Strings("keys", []string{"a", "b"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["comp"] != "queue" || m["message"] != "claimed" || m["items"] != float64(3) || m["err"] != "boom" {
		t.Fatalf("fields = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop reported as zero")
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	line := `{"level":"warn","time":"x","comp":"delivery","message":"item failed","pos":2,"err":"timeout"}`
	got := formatTelegramJSON([]byte(line))
	want := "⚠️ WARN [delivery] item failed\n• err=timeout\n• pos=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := formatTelegramJSON([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 20) // 40 bytes
	got := truncate(s, 15)
	if !strings.HasSuffix(got, "...") || len(got) > 15 {
		t.Fatalf("truncate = %q (%d bytes)", got, len(got))
	}
	if strings.ContainsRune(got, '�') {
		t.Fatalf("split rune in %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short string changed")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.WarnLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.WarnLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type captureSender struct {
	mu   sync.Mutex
	to   []kit.ChatTarget
	text []string
}

func (c *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, to)
	c.text = append(c.text, text)
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.text)
}

func TestServiceForwardsWarningsToTelegram(t *testing.T) {
	sender := &captureSender{}
	cfg := Config{Level: "debug", Telegram: TelegramConfig{MinLevel: "warn", RatePerSec: 10}}
	svc, log := New(cfg, sender)
	defer svc.Close()

	svc.SetTelegramTarget(-100, 3)
	cfg.Telegram.Enabled = true
	svc.Apply(cfg)

	log.Info("not forwarded")
	log.With(String("comp", "ingest")).Warn("forwarded")

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.text) != 1 {
		t.Fatalf("sent %d messages: %q", len(sender.text), sender.text)
	}
	if sender.to[0] != (kit.ChatTarget{ChatID: -100, ThreadID: 3}) {
		t.Fatalf("target = %+v", sender.to[0])
	}
	if !strings.Contains(sender.text[0], "[ingest] forwarded") {
		t.Fatalf("text = %q", sender.text[0])
	}
}
