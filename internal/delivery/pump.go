// Package delivery drains the queue to the bound destination, one item at
// a time, through a per-kind handler table.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tt2tg/internal/eventbus"
	"tt2tg/internal/item"
	"tt2tg/internal/queue"
	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

var (
	ErrBusy     = errors.New("a drain is already running")
	ErrNoTarget = errors.New("destination not set; send /start in the target chat first")
	ErrEmpty    = errors.New("nothing to send")
)

const (
	DefaultItemDelay     = 10 * time.Second
	DefaultFetchTimeout  = 120 * time.Second
	DefaultSendTimeout   = 120 * time.Second
	DefaultMaxAlbum      = 10
	DefaultMaxMediaBytes = 50 << 20
)

// Config holds the hot-reloadable delivery settings.
type Config struct {
	ItemDelay     time.Duration
	FetchTimeout  time.Duration
	SendTimeout   time.Duration
	MaxAlbum      int
	MaxMediaBytes int64
	TempDir       string
}

func (c Config) withDefaults() Config {
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxAlbum <= 0 || c.MaxAlbum > DefaultMaxAlbum {
		c.MaxAlbum = DefaultMaxAlbum
	}
	if c.MaxMediaBytes <= 0 {
		c.MaxMediaBytes = DefaultMaxMediaBytes
	}
	return c
}

// TargetSource provides the current destination.
type TargetSource interface {
	Get() (kit.ChatTarget, bool)
}

// Report summarizes one drain.
type Report struct {
	BatchID     string
	Recovered   bool
	Total       int
	Sent        int
	Failed      int
	Skipped     int
	Interrupted bool
	Archive     string
	ArchiveErr  error
	Started     time.Time
	Finished    time.Time
}

// Summary is the message sent to the destination after the loop.
func (r Report) Summary() string {
	s := fmt.Sprintf("✅ Sent %d/%d", r.Sent, r.Total)
	var extra []string
	if r.Failed > 0 {
		extra = append(extra, fmt.Sprintf("%d failed", r.Failed))
	}
	if r.Skipped > 0 {
		extra = append(extra, fmt.Sprintf("%d skipped", r.Skipped))
	}
	if len(extra) > 0 {
		s += " (" + strings.Join(extra, ", ") + ")"
	}
	return s
}

// Pump is the single-instance drain loop.
type Pump struct {
	store    queue.Store
	target   TargetSource
	sender   kit.TextSender
	dispatch *Dispatcher
	bus      eventbus.Bus
	log      logx.Logger

	cfg     atomic.Pointer[Config]
	running atomic.Bool
	last    atomic.Pointer[Report]

	// sleep waits between items; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

type Options struct {
	Store      queue.Store
	Target     TargetSource
	Sender     kit.TextSender
	Dispatcher *Dispatcher
	Bus        eventbus.Bus
	Logger     logx.Logger
	Config     Config
}

func NewPump(o Options) *Pump {
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	if o.Dispatcher == nil {
		o.Dispatcher = NewDispatcher()
	}
	p := &Pump{
		store:    o.Store,
		target:   o.Target,
		sender:   o.Sender,
		dispatch: o.Dispatcher,
		bus:      o.Bus,
		log:      o.Logger,
		sleep:    sleepCtx,
	}
	p.SetConfig(o.Config)
	return p
}

// SetConfig swaps the settings used by the next item.
func (p *Pump) SetConfig(c Config) {
	c = c.withDefaults()
	p.cfg.Store(&c)
}

func (p *Pump) Config() Config { return *p.cfg.Load() }

// Running reports whether a drain is in progress.
func (p *Pump) Running() bool { return p.running.Load() }

// LastReport returns the most recent finished drain, if any.
func (p *Pump) LastReport() (Report, bool) {
	r := p.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Run is a claimed drain waiting to be executed. It holds the pump's
// single-drain guard until Execute returns.
type Run struct {
	p     *Pump
	to    kit.ChatTarget
	batch *queue.Batch
	done  atomic.Bool
}

func (r *Run) Batch() *queue.Batch    { return r.batch }
func (r *Run) Target() kit.ChatTarget { return r.to }

// Begin checks the preconditions and claims the pending batch. On success
// the caller must call Execute exactly once.
func (p *Pump) Begin(ctx context.Context) (*Run, error) {
	if !p.running.CompareAndSwap(false, true) {
		drainsTotal.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	release := true
	defer func() {
		if release {
			p.running.Store(false)
		}
	}()

	to, ok := p.target.Get()
	if !ok {
		drainsTotal.WithLabelValues("no_target").Inc()
		return nil, ErrNoTarget
	}
	batch, err := p.store.Claim(ctx)
	if err != nil {
		drainsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if batch == nil || batch.Len() == 0 {
		drainsTotal.WithLabelValues("empty").Inc()
		return nil, ErrEmpty
	}
	release = false
	return &Run{p: p, to: to, batch: batch}, nil
}

// Drain runs Begin and Execute in the calling goroutine.
func (p *Pump) Drain(ctx context.Context) (Report, error) {
	run, err := p.Begin(ctx)
	if err != nil {
		return Report{}, err
	}
	return run.Execute(ctx), nil
}

// Execute dispatches every item in batch order, sends the summary and
// archives the batch. Cancelling ctx stops the loop before the next item;
// the batch is then left in flight and re-sent by the next drain, even when
// the cancel lands while the last item is being delivered.
func (r *Run) Execute(ctx context.Context) Report {
	if !r.done.CompareAndSwap(false, true) {
		return Report{BatchID: r.batch.ID}
	}
	p := r.p
	defer p.running.Store(false)

	rep := Report{
		BatchID:   r.batch.ID,
		Recovered: r.batch.Recovered,
		Total:     r.batch.Len(),
		Started:   time.Now(),
	}
	log := p.log.With(logx.String("batch", rep.BatchID))
	log.Info("drain started", logx.Int("items", rep.Total), logx.Bool("recovered", rep.Recovered))
	p.bus.Publish(eventbus.Event{Type: eventbus.DrainStarted, Data: eventbus.DrainData{
		BatchID: rep.BatchID, Total: rep.Total, Recovered: rep.Recovered,
	}})

	for i, it := range r.batch.Items {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		cfg := p.Config()
		switch p.deliverOne(ctx, r.to, it, cfg, log.With(logx.Int("pos", i+1))) {
		case resultSent:
			rep.Sent++
		case resultFailed:
			rep.Failed++
		case resultSkipped:
			rep.Skipped++
		}
		if err := p.sleep(ctx, cfg.ItemDelay); err != nil && i < rep.Total-1 {
			rep.Interrupted = true
			break
		}
	}
	// A cancel during the last item fails it without reaching the checks
	// above; the batch must stay in flight all the same.
	if ctx.Err() != nil {
		rep.Interrupted = true
	}

	if rep.Interrupted {
		rep.Finished = time.Now()
		log.Warn("drain interrupted; batch stays in flight for the next drain",
			logx.Int("sent", rep.Sent), logx.Int("total", rep.Total))
		drainsTotal.WithLabelValues("interrupted").Inc()
		p.finish(rep)
		return rep
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Config().SendTimeout)
	if _, err := p.sender.SendText(sctx, r.to, rep.Summary(), nil); err != nil {
		log.Warn("summary send failed", logx.Err(err))
	}
	cancel()

	archive, err := r.batch.Commit(context.WithoutCancel(ctx))
	rep.Archive = archive
	if err != nil {
		rep.ArchiveErr = err
		log.Error("archive failed; items will not be re-sent", logx.Err(err))
	}
	rep.Finished = time.Now()
	log.Info("drain finished",
		logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped),
		logx.Int("total", rep.Total), logx.String("archive", rep.Archive),
		logx.Duration("took", rep.Finished.Sub(rep.Started)))
	drainsTotal.WithLabelValues("completed").Inc()
	drainDuration.Observe(rep.Finished.Sub(rep.Started).Seconds())
	p.finish(rep)
	return rep
}

func (p *Pump) finish(rep Report) {
	p.last.Store(&rep)
	data := eventbus.DrainData{
		BatchID: rep.BatchID, Total: rep.Total, Sent: rep.Sent, Failed: rep.Failed,
		Skipped: rep.Skipped, Recovered: rep.Recovered, Archive: rep.Archive,
	}
	if rep.ArchiveErr != nil {
		data.Err = rep.ArchiveErr.Error()
	}
	if rep.Interrupted {
		data.Err = "interrupted"
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.DrainFinished, Data: data})
}

type result int

const (
	resultSent result = iota
	resultFailed
	resultSkipped
)

// deliverOne never returns an error: every failure is logged and reported
// to the destination, and the loop moves on.
func (p *Pump) deliverOne(ctx context.Context, to kit.ChatTarget, it item.Item, cfg Config, log logx.Logger) (res result) {
	key, ok := item.Identity(it)
	if !ok {
		key = it.Label()
	}
	log = log.With(logx.String("kind", string(it.Kind)), logx.String("item", key))

	h, found := p.dispatch.Lookup(it.Kind)
	if !found {
		log.Warn("no handler for item type; skipped")
		itemsTotal.WithLabelValues(string(it.Kind), "skipped").Inc()
		p.notify(ctx, to, cfg, fmt.Sprintf("⏭ Skipped %s: unsupported type %q", key, it.Kind), log)
		return resultSkipped
	}

	start := time.Now()
	err := safeDeliver(ctx, h, Job{To: to, Item: it, Key: key, Config: cfg})
	if err != nil {
		log.Warn("item delivery failed", logx.Err(err), logx.Duration("dur", time.Since(start)))
		itemsTotal.WithLabelValues(string(it.Kind), "failed").Inc()
		p.notify(ctx, to, cfg, fmt.Sprintf("⚠️ %s: %v", key, err), log)
		return resultFailed
	}
	log.Info("item delivered", logx.Duration("dur", time.Since(start)))
	itemsTotal.WithLabelValues(string(it.Kind), "sent").Inc()
	return resultSent
}

func safeDeliver(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Deliver(ctx, job)
}

func (p *Pump) notify(ctx context.Context, to kit.ChatTarget, cfg Config, text string, log logx.Logger) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if _, err := p.sender.SendText(sctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		log.Warn("failure notice not sent", logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
