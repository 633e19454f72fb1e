package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
delivery:
  item_delay: 5s
queue:
  driver: sqlite
  path: ./queue.db
`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Delivery.ItemDelay != "5s" || cfg.Queue.Driver != "sqlite" {
		t.Fatalf("file values lost: %+v %+v", cfg.Delivery, cfg.Queue)
	}
	if cfg.Ingest.Addr != "127.0.0.1:5000" || cfg.Delivery.MaxAlbum != 10 || !cfg.Logging.Console {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{42}) {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestParseIsStrict(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"telegram":{"token":"x"},"bogus":1}`,
		"trailing data": `{"telegram":{"token":"x"}}{"x":1}`,
		"wrong type":    `{"telegram":{"token":"x"},"dedup":{"capacity":"lots"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, body)
			if _, err := NewConfigManager(path).Parse(); err == nil {
				t.Fatal("Parse accepted invalid config")
			}
		})
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"from-file"},"delivery":{"max_album":8}}`)
	t.Setenv("TT2TG_TELEGRAM_TOKEN", "from-env")
	t.Setenv("TT2TG_TELEGRAM_OWNER_USER_IDS", "1,2")
	t.Setenv("TT2TG_DELIVERY_MAX_ALBUM", "4")
	t.Setenv("TT2TG_REMINDER_ENABLED", "true")

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Delivery.MaxAlbum != 4 || !cfg.Reminder.Enabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{1, 2}) {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestEnvironmentOnlyWithoutFile(t *testing.T) {
	t.Setenv("TT2TG_TELEGRAM_TOKEN", "t")
	cfg, err := NewConfigManager("").Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Queue.Path != "./urls_to_send.json" {
		t.Fatalf("queue.path = %q", cfg.Queue.Path)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Delivery.ItemDelay = "soon"
	cfg.Delivery.MaxAlbum = 11
	cfg.Queue.Driver = "redis"
	cfg.Reminder = ReminderConfig{Enabled: true, Schedule: "every day"}
	cfg.Telegram.GroupLog = "ops"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
	for _, want := range []string{
		"telegram.token", "telegram.group_log", "delivery.item_delay",
		"delivery.max_album", "queue.driver", "reminder.schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("Reload unchanged = %v, %v", ok, err)
	}

	writeFile(t, path, `{"telegram":{"token":"x"},"delivery":{"item_delay":"1s"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("Reload changed = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Delivery.ItemDelay != "1s" {
			t.Fatalf("published item_delay = %q", cfg.Delivery.ItemDelay)
		}
	default:
		t.Fatal("nothing published")
	}
	if m.Get().Delivery.ItemDelay != "1s" {
		t.Fatal("reload not committed")
	}
}

func TestReloadHonorsValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Delivery.MaxAlbum == 2 {
			return errors.New("no")
		}
		return nil
	})

	writeFile(t, path, `{"telegram":{"token":"x"},"delivery":{"max_album":2}}`)
	if ok, err := m.Reload(context.Background()); err == nil || ok {
		t.Fatalf("Reload = %v, %v; want rejection", ok, err)
	}
	if m.Get().Delivery.MaxAlbum != 10 {
		t.Fatal("rejected config was committed")
	}

	writeFile(t, path, `{"telegram":{"token":"x"},"delivery":{"max_album":"x"}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("broken file accepted")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "telegram: {token: x}\n")
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// the watcher needs a moment to register the directory
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Reminder.Enabled {
				return
			}
		case <-tick.C:
			writeFile(t, path, "telegram: {token: x}\nreminder: {enabled: true, schedule: \"@hourly\"}\n")
		case <-deadline:
			t.Fatal("watch did not publish the edit")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	a.Telegram.Token = "secret"
	b := a
	b.Telegram.OwnerUserIDs = []int64{7}
	b.Delivery.ItemDelay = "1s"
	b.Queue.Path = "./other.json"

	ch := SummarizeConfigChange(&a, &b)
	if !reflect.DeepEqual(ch.Sections, []string{"telegram", "queue", "delivery"}) {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if !reflect.DeepEqual(ch.RestartRequired, []string{"queue"}) {
		t.Fatalf("restart = %v", ch.RestartRequired)
	}
	if c := SummarizeConfigChange(&a, &a); !c.Empty() {
		t.Fatalf("identical configs differ: %v", c.Sections)
	}
}

func TestYAMLToJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		bad  bool
	}{
		{name: "empty", in: "", want: `{}`},
		{name: "nested", in: "a: {b: [1, two]}\n", want: `{"a":{"b":[1,"two"]}}`},
		{name: "alias", in: "x: &d 5s\ny: *d\n", want: `{"x":"5s","y":"5s"}`},
		{name: "two documents", in: "a: 1\n---\na: 2\n", bad: true},
		{name: "complex key", in: "? [a, b]\n: 1\n", bad: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := yamlToJSON([]byte(c.in))
			if c.bad {
				if err == nil {
					t.Fatalf("accepted %q as %s", c.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}
}
