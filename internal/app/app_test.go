package app

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"tt2tg/internal/config"
	"tt2tg/internal/delivery"
	"tt2tg/internal/eventbus"
	"tt2tg/internal/queue"
	"tt2tg/internal/reminder"
	"tt2tg/internal/target"
	"tt2tg/internal/transport/telegram/router"
	logx "tt2tg/pkg/logx"
)

func TestMappersUseDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Driver = " SQLite "

	if q := mapQueueConfig(&cfg); q.Driver != "sqlite" || q.BusyTimeout != time.Second || q.Path != "./urls_to_send.json" {
		t.Fatalf("queue = %+v", q)
	}
	in := mapIngestConfig(&cfg)
	if in.Addr != "127.0.0.1:5000" || in.ReadTimeout != 10*time.Second || in.ShutdownTimeout != 5*time.Second || !in.Metrics {
		t.Fatalf("ingest = %+v", in)
	}
	d := mapDeliveryConfig(&cfg)
	want := delivery.Config{
		ItemDelay:     10 * time.Second,
		FetchTimeout:  120 * time.Second,
		SendTimeout:   120 * time.Second,
		MaxAlbum:      10,
		MaxMediaBytes: 50 << 20,
	}
	if d != want {
		t.Fatalf("delivery = %+v, want %+v", d, want)
	}
	if a := mapAdapterConfig(&cfg); a.PollTimeout != 10*time.Second || a.SendRate != 1 {
		t.Fatalf("adapter = %+v", a)
	}
	if l := mapLogConfig(&cfg); l.Level != "info" || !l.Console || l.Telegram.MinLevel != "warn" {
		t.Fatalf("logging = %+v", l)
	}
}

func TestLogTarget(t *testing.T) {
	cases := []struct {
		name      string
		groupLog  string
		threadCfg int
		chat      int64
		thread    int
		ok        bool
	}{
		{"unset", "", 5, 0, 0, false},
		{"chat only", "-100123", 0, -100123, 0, true},
		{"thread from logging", "-100123", 9, -100123, 9, true},
		{"thread in group_log wins", "-100123:4", 9, -100123, 4, true},
		{"garbage", "ops", 0, 0, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Telegram.GroupLog = c.groupLog
			cfg.Logging.Telegram.ThreadID = c.threadCfg
			chat, thread, ok := logTarget(&cfg)
			if chat != c.chat || thread != c.thread || ok != c.ok {
				t.Fatalf("logTarget = %d, %d, %v", chat, thread, ok)
			}
		})
	}
}

func TestApplyConfigUpdatesLiveComponents(t *testing.T) {
	dir := t.TempDir()
	st, err := queue.Open(queue.Config{Path: filepath.Join(dir, "q.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	tgt, err := target.Load(filepath.Join(dir, "chat_id.txt"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	oldCfg := config.Default()
	oldCfg.Telegram.Token = "t"
	oldCfg.Logging.Console = false
	logs, log := logx.New(mapLogConfig(&oldCfg), nil)
	defer logs.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	a := &App{
		log:    log,
		logs:   logs,
		bus:    bus,
		store:  st,
		target: tgt,
		pump:   delivery.NewPump(delivery.Options{Store: st, Target: tgt, Config: mapDeliveryConfig(&oldCfg)}),
		remind: reminder.New(oldCfg.ReminderConfig(), st, tgt, nil, logx.Nop()),
		cmdm:   router.NewCommandManager(logx.Nop(), nil, nil),
	}

	newCfg := oldCfg
	newCfg.Delivery.ItemDelay = "2s"
	newCfg.Delivery.MaxAlbum = 4
	newCfg.Telegram.OwnerUserIDs = []int64{7}
	a.applyConfig(&oldCfg, &newCfg)

	if got := a.pump.Config(); got.ItemDelay != 2*time.Second || got.MaxAlbum != 4 {
		t.Fatalf("pump config = %+v", got)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.ConfigReloaded {
			t.Fatalf("event = %s", e.Type)
		}
		if !reflect.DeepEqual(e.Data, []string{"telegram", "delivery"}) {
			t.Fatalf("sections = %v", e.Data)
		}
	default:
		t.Fatal("no ConfigReloaded event")
	}

	// no-op reload publishes nothing
	a.applyConfig(&newCfg, &newCfg)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}
