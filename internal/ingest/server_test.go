package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"tt2tg/internal/dedup"
	"tt2tg/internal/eventbus"
	"tt2tg/internal/item"
	"tt2tg/internal/queue"
	logx "tt2tg/pkg/logx"
)

func newTestServer(t *testing.T, store queue.Store) (*httptest.Server, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	svc := NewService(store, dedup.New(100), bus, logx.Nop())
	srv := httptest.NewServer(NewServer(Config{Metrics: true, MaxBodyBytes: 4096}, svc, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, bus
}

func fileStore(t *testing.T) queue.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := queue.Open(queue.Config{Path: filepath.Join(dir, "urls_to_send.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func post(t *testing.T, srv *httptest.Server, body string) (int, response) {
	t.Helper()
	res, err := http.Post(srv.URL+"/send_url", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	var out response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res.StatusCode, out
}

func TestSubmitThenDuplicate(t *testing.T) {
	t.Parallel()
	st := fileStore(t)
	srv, bus := newTestServer(t, st)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	body := `{"type":"video","itemId":"a1","url":"http://x/v.mp4"}`
	code, out := post(t, srv, body)
	if code != http.StatusOK || out.Status != "success" || out.Message != "accepted, queued" {
		t.Fatalf("first submit = %d %+v", code, out)
	}
	code, out = post(t, srv, body)
	if code != http.StatusOK || out.Message != "accepted, duplicate-skipped" {
		t.Fatalf("second submit = %d %+v", code, out)
	}
	if n, _ := st.Pending(context.Background()); n != 1 {
		t.Fatalf("store holds %d items, want 1", n)
	}
	if e := <-events; e.Type != eventbus.ItemQueued {
		t.Fatalf("first event = %s", e.Type)
	}
	if e := <-events; e.Type != eventbus.ItemDuplicate {
		t.Fatalf("second event = %s", e.Type)
	}
}

func TestSubmitLegacyPayloads(t *testing.T) {
	t.Parallel()
	st := fileStore(t)
	srv, _ := newTestServer(t, st)

	if code, out := post(t, srv, `{"url":"https://www.tiktok.com/@u/video/1"}`); code != http.StatusOK || out.Message != "accepted, queued" {
		t.Fatalf("legacy object = %d %+v", code, out)
	}
	if code, out := post(t, srv, `"https://www.tiktok.com/@u/video/1"`); code != http.StatusOK || out.Message != "accepted, duplicate-skipped" {
		t.Fatalf("bare string = %d %+v", code, out)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	st := fileStore(t)
	srv, _ := newTestServer(t, st)

	for _, body := range []string{
		``,
		`{"type":"video"}`,
		`{"type":"image_set","itemId":"c1"}`,
		`{"type":"text","text":"no author"}`,
		`not json`,
	} {
		code, out := post(t, srv, body)
		if code != http.StatusBadRequest || out.Status != "error" || out.Message == "" {
			t.Fatalf("submit %q = %d %+v, want 400", body, code, out)
		}
	}
	if code, _ := post(t, srv, `"`+strings.Repeat("x", 5000)+`"`); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body = %d, want 413", code)
	}
	if n, _ := st.Pending(context.Background()); n != 0 {
		t.Fatalf("rejected payloads must not be stored, found %d", n)
	}
}

type flakyStore struct {
	queue.Store
	fail  int
	panic bool
	calls int
}

func (s *flakyStore) AppendIfAbsent(ctx context.Context, it item.Item) (queue.Result, error) {
	s.calls++
	if s.panic {
		panic("disk on fire")
	}
	if s.calls <= s.fail {
		return 0, errors.New("disk full")
	}
	return s.Store.AppendIfAbsent(ctx, it)
}

func TestWriteFailureIsRetryable(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: fileStore(t), fail: 1}
	srv, _ := newTestServer(t, st)

	body := `{"type":"text","author":"bob","text":"hello"}`
	code, out := post(t, srv, body)
	if code != http.StatusInternalServerError || out.Status != "error" || !strings.Contains(out.Message, "disk full") {
		t.Fatalf("failed write = %d %+v, want 500 with diagnostic", code, out)
	}
	code, out = post(t, srv, body)
	if code != http.StatusOK || out.Message != "accepted, queued" {
		t.Fatalf("retry = %d %+v, want queued", code, out)
	}
}

func TestEvictedKeyIsStillDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &flakyStore{Store: fileStore(t)}
	cache := dedup.New(2)
	svc := NewService(st, cache, nil, logx.Nop())

	bodies := []string{
		`{"type":"video","url":"http://x/1.mp4"}`,
		`{"type":"video","url":"http://x/2.mp4"}`,
		`{"type":"video","url":"http://x/3.mp4"}`,
		`{"type":"video","url":"http://x/4.mp4"}`,
	}
	for _, b := range bodies {
		if out, err := svc.Submit(ctx, []byte(b)); err != nil || out != Queued {
			t.Fatalf("Submit(%s) = %s, %v", b, out, err)
		}
	}
	if cache.Contains("http://x/1.mp4") {
		t.Fatal("first key should have been evicted from the cache")
	}

	out, err := svc.Submit(ctx, []byte(bodies[0]))
	if err != nil || out != DuplicateSkipped {
		t.Fatalf("resubmit after eviction = %s, %v, want duplicate", out, err)
	}
	if st.calls != 5 {
		t.Fatalf("store consulted %d times, want 5", st.calls)
	}
	if n, _ := st.Pending(ctx); n != 4 {
		t.Fatalf("store holds %d items, want 4", n)
	}
}

func TestPanicBecomesServerError(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &flakyStore{Store: fileStore(t), panic: true})

	code, out := post(t, srv, `{"type":"video","url":"http://x/v.mp4"}`)
	if code != http.StatusInternalServerError || !strings.Contains(out.Message, "disk on fire") {
		t.Fatalf("panic = %d %+v, want 500", code, out)
	}
	// The endpoint keeps serving.
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz after panic = %d", res.StatusCode)
	}
}

func TestHealthzAndCORS(t *testing.T) {
	t.Parallel()
	st := fileStore(t)
	srv, _ := newTestServer(t, st)
	post(t, srv, `{"type":"video","url":"http://x/1.mp4"}`)
	post(t, srv, `{"type":"video","url":"http://x/2.mp4"}`)

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var out response
	_ = json.NewDecoder(res.Body).Decode(&out)
	res.Body.Close()
	if out.Status != "ok" || out.Pending == nil || *out.Pending != 2 {
		t.Fatalf("healthz = %+v", out)
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/send_url", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}

	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", res.StatusCode)
	}
}
