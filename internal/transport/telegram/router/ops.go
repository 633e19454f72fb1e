package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tt2tg/internal/delivery"
	"tt2tg/internal/eventbus"
	"tt2tg/internal/target"
	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
	"tt2tg/pkg/tgui"
)

// Destination reads and binds the delivery destination.
type Destination interface {
	Get() (kit.ChatTarget, bool)
	Set(t kit.ChatTarget) error
}

// PendingCounter reports how many items wait for the next drain.
type PendingCounter interface {
	Pending(ctx context.Context) (int, error)
}

// Spawner runs a background task that outlives the command.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

// Ops holds what the operator commands act on.
type Ops struct {
	Pump    *delivery.Pump
	Target  Destination
	Queue   PendingCounter
	Spawner Spawner
	Bus     eventbus.Bus
	Log     logx.Logger
}

// OpsCommands returns /start, /sync and /status.
func OpsCommands(o Ops) []Command {
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return []Command{
		{
			Name:        "start",
			Aliases:     []string{"bind"},
			Description: "deliver to this chat",
			Usage:       "/start [chat_id[:thread_id]]",
			Handle:      o.start,
		},
		{
			Name:        "sync",
			Aliases:     []string{"drain", "send"},
			Description: "send everything queued",
			Usage:       "/sync",
			Handle:      o.sync,
		},
		{
			Name:        "status",
			Aliases:     []string{"st"},
			Description: "queue and delivery state",
			Usage:       "/status",
			Handle:      o.status,
		},
	}
}

func (o Ops) start(ctx context.Context, req *Request) error {
	to := req.Chat
	if len(req.Args) > 0 {
		t, err := target.Parse(req.Args[0])
		if err != nil {
			return req.Reply(ctx, "❌ "+err.Error())
		}
		to = t
	}
	if err := o.Target.Set(to); err != nil {
		_ = req.Reply(ctx, "❌ could not save the destination: "+err.Error())
		return err
	}
	req.Logger.Info("destination bound", logx.String("target", target.Format(to)))
	o.Bus.Publish(eventbus.Event{Type: eventbus.TargetBound, Data: target.Format(to)})

	msg := tgui.New().
		Title("🎯", "Destination set").
		KV("chat", strconv.FormatInt(to.ChatID, 10))
	if to.ThreadID != 0 {
		msg.KV("topic", strconv.Itoa(to.ThreadID))
	}
	msg.Line("Send /sync to deliver the queue.")
	_, err := msg.Build().Send(ctx, req.Sender, req.Chat)
	return err
}

func (o Ops) sync(ctx context.Context, req *Request) error {
	run, err := o.Pump.Begin(ctx)
	switch {
	case errors.Is(err, delivery.ErrBusy):
		return req.Reply(ctx, "⏳ A drain is already running.")
	case errors.Is(err, delivery.ErrNoTarget):
		return req.Reply(ctx, "🎯 Destination not set. Send /start in the destination chat first.")
	case errors.Is(err, delivery.ErrEmpty):
		return req.Reply(ctx, "📭 Queue is empty.")
	case err != nil:
		_ = req.Reply(ctx, "❌ "+err.Error())
		return err
	}

	text := fmt.Sprintf("📤 Sending %d item(s)…", run.Batch().Len())
	if run.Batch().Recovered {
		text += " (resuming an interrupted drain)"
	}
	if err := req.Reply(ctx, text); err != nil {
		req.Logger.Warn("sync ack not sent", logx.Err(err))
	}
	o.Spawner.Go0("delivery.drain", func(c context.Context) {
		run.Execute(c)
	})
	return nil
}

func (o Ops) status(ctx context.Context, req *Request) error {
	b := tgui.New().Title("📋", "Status")

	if n, err := o.Queue.Pending(ctx); err != nil {
		b.KV("pending", "error: "+err.Error())
	} else {
		b.KV("pending", strconv.Itoa(n))
	}
	if to, ok := o.Target.Get(); ok {
		b.KV("destination", target.Format(to))
	} else {
		b.KV("destination", "not set")
	}
	if o.Pump.Running() {
		b.KV("drain", "running")
	} else {
		b.KV("drain", "idle")
	}
	if rep, ok := o.Pump.LastReport(); ok {
		last := rep.Summary()
		if rep.Interrupted {
			last += ", interrupted"
		}
		if rep.ArchiveErr != nil {
			last += ", archive failed"
		}
		b.KV("last drain", last+" at "+rep.Finished.Format(time.DateTime))
	}
	_, err := b.Build().Send(ctx, req.Sender, req.Chat)
	return err
}
