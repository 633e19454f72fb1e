package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tt2tg/internal/item"
	logx "tt2tg/pkg/logx"
)

func video(n int) item.Item {
	return item.Item{Kind: item.KindVideo, ID: fmt.Sprintf("v%d", n), URL: fmt.Sprintf("http://x/%d.mp4", n)}
}

func openTestStore(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Driver:     driver,
		Path:       filepath.Join(dir, "urls_to_send.json"),
		ArchiveDir: filepath.Join(dir, "archive"),
	}
	if driver == "sqlite" {
		cfg.Path = filepath.Join(dir, "queue.db")
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, cfg
}

func mustAppend(t *testing.T, st Store, it item.Item, want Result) {
	t.Helper()
	got, err := st.AppendIfAbsent(context.Background(), it)
	if err != nil {
		t.Fatalf("AppendIfAbsent(%s): %v", it.Label(), err)
	}
	if got != want {
		t.Fatalf("AppendIfAbsent(%s) = %s, want %s", it.Label(), got, want)
	}
}

func archiveFiles(t *testing.T, dir string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return m
}

func TestConcurrentAppendsStoreEachKeyOnce(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTestStore(t, driver)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int
			)
			for g := 0; g < 10; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 5; i++ {
						res, err := st.AppendIfAbsent(context.Background(), video(i))
						if err != nil {
							t.Errorf("append: %v", err)
							return
						}
						if res == Accepted {
							mu.Lock()
							accepted++
							mu.Unlock()
						}
					}
				}()
			}
			wg.Wait()

			if accepted != 5 {
				t.Fatalf("accepted %d appends, want 5", accepted)
			}
			keys, err := st.Keys(context.Background())
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 5 {
				t.Fatalf("store holds %d keys, want 5: %v", len(keys), keys)
			}
		})
	}
}

func TestFileStoreFormat(t *testing.T) {
	t.Parallel()
	st, cfg := openTestStore(t, "file")
	mustAppend(t, st, item.LegacyURL("http://x/old"), Accepted)
	mustAppend(t, st, video(1), Accepted)

	b, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "\n    \"http://x/old\",") {
		t.Fatalf("queue file not indented with four spaces or legacy item not a bare string:\n%s", b)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || len(raw) != 2 {
		t.Fatalf("queue file is not a two element array: %v\n%s", err, b)
	}
}

func TestFileStoreLoadsURLOnlyQueue(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "urls_to_send.json")
	if err := os.WriteFile(path, []byte(`["http://x/a", "http://x/b"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	keys, err := st.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if strings.Join(keys, ",") != "http://x/a,http://x/b" {
		t.Fatalf("keys = %v", keys)
	}
	// A typed video with the same url is the same item.
	mustAppend(t, st, item.Item{Kind: item.KindVideo, URL: "http://x/a"}, Duplicate)
}

func TestFileStoreCorruptContentIsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "urls_to_send.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"`), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if n, err := st.Pending(context.Background()); err != nil || n != 0 {
		t.Fatalf("Pending = %d, %v; want 0, nil", n, err)
	}
	mustAppend(t, st, video(1), Accepted)
	if n, _ := st.Pending(context.Background()); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}
	aside, _ := filepath.Glob(path + ".corrupt-*")
	if len(aside) != 1 {
		t.Fatalf("corrupt file should be moved aside, found %v", aside)
	}
}

func TestIngestDuringDrainSurvives(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTestStore(t, driver)
			mustAppend(t, st, video(1), Accepted)
			mustAppend(t, st, video(2), Accepted)

			b, err := st.Claim(ctx)
			if err != nil || b == nil {
				t.Fatalf("Claim = %v, %v", b, err)
			}
			if b.Len() != 2 || b.Recovered {
				t.Fatalf("claimed %d items (recovered=%v), want 2 fresh", b.Len(), b.Recovered)
			}

			// In-flight items are still present for dedup; new items queue up.
			mustAppend(t, st, video(1), Duplicate)
			mustAppend(t, st, video(3), Accepted)
			if n, _ := st.Pending(ctx); n != 3 {
				t.Fatalf("Pending during drain = %d, want 3", n)
			}

			dst, err := b.Commit(ctx)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if filepath.Dir(dst) != cfg.ArchiveDir {
				t.Fatalf("archive %s not in %s", dst, cfg.ArchiveDir)
			}
			raw, err := os.ReadFile(dst)
			if err != nil {
				t.Fatalf("read archive: %v", err)
			}
			var archived []item.Item
			if err := json.Unmarshal(raw, &archived); err != nil || len(archived) != 2 {
				t.Fatalf("archive holds %d items (%v), want 2", len(archived), err)
			}
			if _, err := b.Commit(ctx); err == nil {
				t.Fatalf("second Commit should fail")
			}

			next, err := st.Claim(ctx)
			if err != nil || next == nil {
				t.Fatalf("Claim = %v, %v", next, err)
			}
			if next.Len() != 1 || next.Items[0].URL != video(3).URL {
				t.Fatalf("next batch = %+v, want only item 3", next.Items)
			}
		})
	}
}

func TestClaimEmpty(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		st, _ := openTestStore(t, driver)
		b, err := st.Claim(context.Background())
		if err != nil || b != nil {
			t.Fatalf("%s: Claim on empty store = %v, %v", driver, b, err)
		}
	}
}

func TestUncommittedBatchIsRecoveredAfterRestart(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTestStore(t, driver)
			mustAppend(t, st, video(1), Accepted)
			mustAppend(t, st, video(2), Accepted)
			if _, err := st.Claim(ctx); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			mustAppend(t, st, video(3), Accepted)
			_ = st.Close()

			again, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer again.Close()

			keys, _ := again.Keys(ctx)
			if strings.Join(keys, ",") != "http://x/1.mp4,http://x/2.mp4,http://x/3.mp4" {
				t.Fatalf("keys after restart = %v", keys)
			}
			b, err := again.Claim(ctx)
			if err != nil || b == nil {
				t.Fatalf("Claim = %v, %v", b, err)
			}
			if !b.Recovered || b.Len() != 2 {
				t.Fatalf("batch recovered=%v len=%d, want the 2 unfinished items", b.Recovered, b.Len())
			}
			if _, err := b.Commit(ctx); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			b, _ = again.Claim(ctx)
			if b == nil || b.Recovered || b.Len() != 1 {
				t.Fatalf("expected a fresh batch with item 3, got %+v", b)
			}
		})
	}
}

func TestArchiveNeverOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, cfg := openTestStore(t, "file")
	fixed := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	st.(*fileStore).archive.now = func() time.Time { return fixed }

	for i := 1; i <= 2; i++ {
		mustAppend(t, st, video(i), Accepted)
		b, err := st.Claim(ctx)
		if err != nil || b == nil {
			t.Fatalf("Claim: %v", err)
		}
		if _, err := b.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	got := archiveFiles(t, cfg.ArchiveDir)
	want := []string{
		filepath.Join(cfg.ArchiveDir, "urls_to_send-20261019-093000-1.json"),
		filepath.Join(cfg.ArchiveDir, "urls_to_send-20261019-093000.json"),
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("archives = %v, want %v", got, want)
	}
}

func TestArchiveFailureParksBatch(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			blocker := filepath.Join(dir, "archive")
			if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg := Config{Driver: driver, Path: filepath.Join(dir, "urls_to_send.json"), ArchiveDir: blocker}
			if driver == "sqlite" {
				cfg.Path = filepath.Join(dir, "queue.db")
			}
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			mustAppend(t, st, video(1), Accepted)
			b, err := st.Claim(ctx)
			if err != nil || b == nil {
				t.Fatalf("Claim: %v", err)
			}
			if _, err := b.Commit(ctx); err == nil {
				t.Fatalf("Commit should report the archive failure")
			}
			if again, err := st.Claim(ctx); err != nil || again != nil {
				t.Fatalf("parked batch must not be claimed again, got %v, %v", again, err)
			}
			if n, _ := st.Pending(ctx); n != 0 {
				t.Fatalf("Pending = %d, want 0", n)
			}
			if keys, _ := st.Keys(ctx); len(keys) != 0 {
				t.Fatalf("parked keys still reported: %v", keys)
			}
			if driver == "file" {
				parked, _ := filepath.Glob(filepath.Join(dir, "urls_to_send.unarchived-*.json"))
				if len(parked) != 1 {
					t.Fatalf("parked files = %v, want one", parked)
				}
			}

			// Parking releases the key.
			mustAppend(t, st, video(1), Accepted)
			b, err = st.Claim(ctx)
			if err != nil || b == nil || b.Len() != 1 || b.Recovered {
				t.Fatalf("Claim after re-ingest = %+v, %v", b, err)
			}
		})
	}
}

func TestSQLiteParkedRowsAreKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "archive")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "queue.db"), ArchiveDir: blocker}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	mustAppend(t, st, video(1), Accepted)
	mustAppend(t, st, video(2), Accepted)
	b, _ := st.Claim(ctx)
	if _, err := b.Commit(ctx); err == nil {
		t.Fatal("Commit should report the archive failure")
	}
	var n int
	db := st.(*sqliteStore).db
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parked_items WHERE batch = ?`, b.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("parked rows = %d, want 2", n)
	}
}

func TestFileStoreUnreadableQueueIsMovedAside(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "urls_to_send.json")
	// A directory in place of the queue file fails to read for any user.
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if n, err := st.Pending(context.Background()); err != nil || n != 0 {
		t.Fatalf("Pending = %d, %v; want 0, nil", n, err)
	}
	mustAppend(t, st, video(1), Accepted)

	aside, _ := filepath.Glob(path + ".corrupt-*")
	if len(aside) != 1 {
		t.Fatalf("unreadable queue should be moved aside, found %v", aside)
	}
	if _, err := os.Stat(filepath.Join(aside[0], "keep")); err != nil {
		t.Fatalf("moved-aside content lost: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := decodeItems(b, logx.Nop(), path); !ok || len(got) != 1 {
		t.Fatalf("queue after append = %s", b)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t, "file")
	_ = st.Close()
	if _, err := st.AppendIfAbsent(context.Background(), video(1)); err != ErrClosed {
		t.Fatalf("AppendIfAbsent after Close = %v, want ErrClosed", err)
	}
}
