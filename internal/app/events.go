package app

import (
	"context"
	"fmt"

	"tt2tg/internal/eventbus"
	logx "tt2tg/pkg/logx"
)

// logEvents mirrors bus traffic into the log. Item events stay at debug;
// they arrive once per browser submission.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.logEvent(e)
		}
	}
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ItemData:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("kind", d.Kind), logx.String("key", d.Key))
	case eventbus.DrainData:
		fields := []logx.Field{
			logx.String("type", e.Type),
			logx.String("batch", d.BatchID),
			logx.Int("total", d.Total),
		}
		if e.Type == eventbus.DrainFinished {
			fields = append(fields,
				logx.Int("sent", d.Sent),
				logx.Int("failed", d.Failed),
				logx.Int("skipped", d.Skipped),
			)
			if d.Err != "" {
				fields = append(fields, logx.String("err", d.Err))
			}
			a.sd.Status(fmt.Sprintf("last drain sent %d/%d", d.Sent, d.Total))
		}
		a.log.Info("event", fields...)
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
	}
}
