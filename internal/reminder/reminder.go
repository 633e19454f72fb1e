// Package reminder posts a digest of pending items to the destination on a
// cron schedule. It never drains the queue.
package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // 5 or 6 field cron expression, or a descriptor such as @daily
	Timezone string // IANA name; empty means local time
}

// PendingCounter reports the queue length.
type PendingCounter interface {
	Pending(ctx context.Context) (int, error)
}

// TargetSource provides the destination.
type TargetSource interface {
	Get() (kit.ChatTarget, bool)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and timezone of an enabled config.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := parser.Parse(strings.TrimSpace(cfg.Schedule)); err != nil {
		return fmt.Errorf("reminder.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminder.timezone: %w", err)
		}
	}
	return nil
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	queue  PendingCounter
	target TargetSource
	sender kit.TextSender
	log    logx.Logger
}

func New(cfg Config, queue PendingCounter, target TargetSource, sender kit.TextSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, queue: queue, target: target, sender: sender, log: log}
}

// Start schedules the digest when enabled. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}
	parent := s.ctx
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() { s.run(parent) }); err != nil {
		return fmt.Errorf("reminder.schedule: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("reminder scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
}

// Apply swaps the config, rescheduling when it changed. It is a no-op
// before Start.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	s.stopLocked(s.ctx)
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) run(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	if _, err := s.Check(ctx); err != nil {
		s.log.Warn("reminder failed", logx.Err(err))
	}
}

// Check posts the digest if anything is pending and a destination is set.
// It reports whether a message was sent.
func (s *Service) Check(ctx context.Context) (bool, error) {
	to, ok := s.target.Get()
	if !ok {
		s.log.Debug("reminder skipped: no destination")
		return false, nil
	}
	n, err := s.queue.Pending(ctx)
	if err != nil {
		return false, fmt.Errorf("count pending: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	text := fmt.Sprintf("🔔 %d items pending, send /sync", n)
	if n == 1 {
		text = "🔔 1 item pending, send /sync"
	}
	if _, err := s.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		return false, err
	}
	s.log.Info("reminder sent", logx.Int("pending", n))
	return true, nil
}
