package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "tt2tg/internal/runtime/supervisor"
	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

// Config configures the Telegram adapter.
type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRate caps outbound API calls per second (0 means 1).
	SendRate float64
}

// Adapter implements kit.Adapter with telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Uploads of large videos outlive the default client timeout.
		Client: &http.Client{Timeout: 5 * time.Minute},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.SendRate
	if perSec <= 0 {
		perSec = 1
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(perSec), 3),
		http:    &http.Client{Timeout: 8 * time.Second},
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's goroutine supervisor (nil before Start).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// registerHandlers forwards text from chats and channel posts. Channel
// posts carry no sender, so FromID stays 0 for them.
func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &kit.Message{
			ID:       m.ID,
			ChatID:   m.Chat.ID,
			ThreadID: m.ThreadID,
			Text:     m.Text,
			IsGroup:  m.Chat.Type != tele.ChatPrivate,
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnChannelPost, forward)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; an unexpected return is restarted.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Do not let a pending getUpdates long-poll hold up shutdown.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendVideo uploads path as a streamable video.
func (a *Adapter) SendVideo(ctx context.Context, to kit.ChatTarget, path, caption string) (kit.MessageRef, error) {
	if err := a.wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	v := &tele.Video{File: tele.FromDisk(path), Caption: truncateCaption(caption), Streaming: true}
	msg, err := a.sendWithContext(ctx, func() (*tele.Message, error) {
		return a.bot.Send(&tele.Chat{ID: to.ChatID}, v, &tele.SendOptions{ThreadID: to.ThreadID})
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// SendAlbum uploads up to 10 photos as one media group. The caption goes
// on the first photo. A single photo is sent on its own.
func (a *Adapter) SendAlbum(ctx context.Context, to kit.ChatTarget, paths []string, caption string) ([]kit.MessageRef, error) {
	if len(paths) == 0 {
		return nil, errors.New("empty album")
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	chat := &tele.Chat{ID: to.ChatID}
	opts := &tele.SendOptions{ThreadID: to.ThreadID}

	if len(paths) == 1 {
		p := &tele.Photo{File: tele.FromDisk(paths[0]), Caption: truncateCaption(caption)}
		msg, err := a.sendWithContext(ctx, func() (*tele.Message, error) { return a.bot.Send(chat, p, opts) })
		if err != nil {
			return nil, err
		}
		return []kit.MessageRef{{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}}, nil
	}

	album := make(tele.Album, 0, len(paths))
	for i, path := range paths {
		p := &tele.Photo{File: tele.FromDisk(path)}
		if i == 0 {
			p.Caption = truncateCaption(caption)
		}
		album = append(album, p)
	}
	var msgs []tele.Message
	_, err := a.sendWithContext(ctx, func() (*tele.Message, error) {
		var err error
		msgs, err = a.bot.SendAlbum(chat, album, opts)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	refs := make([]kit.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID})
	}
	return refs, nil
}

// sendWithContext returns when ctx ends even if telebot is still uploading;
// telebot's calls do not take a context.
func (a *Adapter) sendWithContext(ctx context.Context, fn func() (*tele.Message, error)) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := fn()
		ch <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("telegram upload: %w", ctx.Err())
	case r := <-ch:
		return r.msg, r.err
	}
}

const captionLimit = 1024

func truncateCaption(s string) string {
	rs := []rune(s)
	if len(rs) <= captionLimit {
		return s
	}
	return string(rs[:captionLimit-1]) + "…"
}

// UpdateMenuCommands publishes the command list via setMyCommands. The call
// is skipped when the list did not change.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{}
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
