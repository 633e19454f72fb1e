package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "tt2tg/internal/runtime/supervisor"
	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one command invocation.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Sender kit.TextSender
	Logger logx.Logger
}

// Reply sends plain text back to the issuing chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML back to the issuing chat.
func (r *Request) ReplyHTML(ctx context.Context, html string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

const defaultCommandTimeout = 30 * time.Second

// CommandManager routes operator messages to commands on a small worker
// pool.
type CommandManager struct {
	mu    sync.RWMutex
	cmds  []Command
	alias map[string]Command // name and aliases -> command

	owners []int64

	log    logx.Logger
	sender kit.TextSender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	workers int
	jobs    chan func()
}

func NewCommandManager(log logx.Logger, sender kit.TextSender, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		alias:   map[string]Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		sender:  sender,
		workers: 2,
		jobs:    make(chan func(), 64),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the allowed user ids. An empty list lets everyone in.
// Safe to call during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry installs cmds. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "list commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	})

	kept := make([]Command, 0, len(cmds))
	alias := map[string]Command{}
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		kept = append(kept, c)
		alias[c.Name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := alias[a]; !taken {
				alias[a] = c
			}
		}
	}

	m.mu.Lock()
	m.cmds = kept
	m.alias = alias
	m.mu.Unlock()
}

// PublishMenu pushes the command list to the client menu when the sender
// supports it.
func (m *CommandManager) PublishMenu(ctx context.Context) error {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := buildMenu(m.cmds)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, found := m.alias[name]
	m.mu.RUnlock()
	if !found {
		// Group chats see other bots' commands too; only answer in private.
		if !msg.IsGroup {
			_, _ = m.sender.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}

	if !m.allowed(msg.FromID) {
		m.log.Warn("command rejected", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = m.sender.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := Chain(cmd.Handle,
		recoverPanic(m.log),
		logRequest(m.log),
		withTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) allowed(id int64) bool {
	owners := m.ownersSnapshot()
	if len(owners) == 0 {
		return true
	}
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
