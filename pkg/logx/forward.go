package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "tt2tg/internal/transport"
)

const (
	telegramMsgLimit   = 3500
	telegramFieldLimit = 600
	forwardQueueSize   = 256
	forwardSendTimeout = 10 * time.Second
)

// forwarder is a zerolog sink that relays lines at or above minLevel to an
// ops chat. Sends happen on one goroutine; a full queue drops the line.
type forwarder struct {
	sender kit.TextSender
	queue  chan forwardedLine
	start  sync.Once
	wg     sync.WaitGroup

	mu       sync.Mutex
	stop     context.CancelFunc
	to       kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type forwardedLine struct {
	to   kit.ChatTarget
	text string
}

func newForwarder(sender kit.TextSender) *forwarder {
	return &forwarder{
		sender:   sender,
		queue:    make(chan forwardedLine, forwardQueueSize),
		minLevel: zerolog.WarnLevel,
	}
}

func (f *forwarder) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		f.to.ThreadID = cfg.ThreadID
	}
}

// setTarget keeps the configured thread when threadID is 0.
func (f *forwarder) setTarget(chatID int64, threadID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to.ChatID = chatID
	if threadID != 0 {
		f.to.ThreadID = threadID
	}
}

func (f *forwarder) target() (kit.ChatTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.to, f.to.ChatID != 0
}

func (f *forwarder) run() {
	f.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		f.mu.Lock()
		f.stop = cancel
		f.mu.Unlock()
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.loop(ctx)
		}()
	})
}

func (f *forwarder) close() {
	f.mu.Lock()
	stop := f.stop
	f.stop = nil
	f.mu.Unlock()
	if stop != nil {
		stop()
		f.wg.Wait()
	}
}

func (f *forwarder) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.queue:
			if f.sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, forwardSendTimeout)
			_, _ = f.sender.SendText(sctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (f *forwarder) Write(p []byte) (int, error) {
	return f.WriteLevel(zerolog.InfoLevel, p)
}

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	to, lim, minLevel := f.to, f.limiter, f.minLevel
	f.mu.Unlock()

	if to.ChatID == 0 || f.sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatTelegramJSON(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case f.queue <- forwardedLine{to: to, text: text}:
	default:
	}
	return len(p), nil
}

var levelBadge = map[string]string{
	"debug": "🔍",
	"info":  "ℹ️",
	"warn":  "⚠️",
	"error": "❌",
}

// formatTelegramJSON renders one zerolog JSON line for a chat: badge and
// level, the component, the message, then the remaining fields sorted by
// key. Lines that are not JSON are passed through truncated.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, telegramMsgLimit)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		if badge, ok := levelBadge[lvl]; ok {
			b.WriteString(badge + " ")
		}
		b.WriteString(strings.ToUpper(lvl) + " ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString("[" + comp + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s=%s", k, truncate(fmt.Sprint(m[k]), telegramFieldLimit))
	}
	return truncate(b.String(), telegramMsgLimit)
}

// truncate cuts s to at most maxN bytes without splitting a rune.
func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	const ellipsis = "..."
	cut := maxN
	if maxN >= 10 {
		cut -= len(ellipsis)
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if maxN < 10 {
		return s[:cut]
	}
	return s[:cut] + ellipsis
}
