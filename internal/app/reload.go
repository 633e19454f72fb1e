package app

import (
	"context"
	"strings"

	"tt2tg/internal/eventbus"
	logx "tt2tg/pkg/logx"
)

// reloadLoop applies published configs until ctx ends.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// components. Restart-only sections are reported and left alone.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("keys", ch.RestartRequired))
	}

	// target first so Apply does not warn about an enabled sink without a chat
	if chatID, threadID, ok := logTarget(newCfg); ok {
		a.logs.SetTelegramTarget(chatID, threadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if len(newCfg.Telegram.OwnerUserIDs) == 0 {
		a.log.Warn("telegram.owner_user_ids is empty; anyone can issue commands")
	}

	a.pump.SetConfig(mapDeliveryConfig(newCfg))

	if err := a.remind.Apply(newCfg.ReminderConfig()); err != nil {
		a.log.Warn("reminder config not applied; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
}
