package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"projcast/internal/broadcast"
	"projcast/internal/ingress"
	"projcast/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, opts ...ingress.Option) (*Service, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(broadcast.WithDefaults(broadcast.SessionOptions{KeepAlive: 50 * time.Millisecond}))
	svc := New(cfg, Deps{
		Hub:     hub,
		Ingress: ingress.New(hub, opts...),
		Stats:   func() map[string]any { return map[string]any{"version": "test"} },
	}, logx.Nop())
	return svc, hub
}

func TestPublishForm(t *testing.T) {
	svc, hub := newTestService(t, Config{})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	resp, err := http.PostForm(ts.URL+"/projection", url.Values{"revenue": {"1000"}, "growth_rate": {"10"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	for k, want := range map[string]string{
		"Cache-Control":           "no-cache, no-store, must-revalidate",
		"Pragma":                  "no-cache",
		"Expires":                 "0",
		"Content-Security-Policy": "frame-ancestors *",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
	if cur := hub.Current(); !cur.Set || cur.Values[1] != 1100 {
		t.Fatalf("current = %+v", cur)
	}
}

func TestPublishJSONAndErrors(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/projection", "application/json", strings.NewReader(`{"start_value":500,"growth_rate":0}`))
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		Seq    uint64 `json:"seq"`
		Points []struct {
			Month string  `json:"month"`
			Value float64 `json:"value"`
		} `json:"points"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || payload.Seq != 1 || len(payload.Points) != 12 || payload.Points[11].Value != 500 {
		t.Fatalf("status=%d payload=%+v", resp.StatusCode, payload)
	}

	bad := []struct {
		name, ct, body string
	}{
		{"missing growth", "application/x-www-form-urlencoded", "revenue=1"},
		{"not a number", "application/x-www-form-urlencoded", "revenue=abc&growth_rate=1"},
		{"nan", "application/x-www-form-urlencoded", "revenue=NaN&growth_rate=1"},
		{"unknown json field", "application/json", `{"start":1,"growth_rate":1}`},
	}
	for _, tt := range bad {
		resp, err := http.Post(ts.URL+"/projection", tt.ct, strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || e.Error == "" {
			t.Fatalf("%s: status=%d error=%q", tt.name, resp.StatusCode, e.Error)
		}
	}
}

func TestPublishRateLimited(t *testing.T) {
	svc, _ := newTestService(t, Config{}, ingress.WithRateLimit(0.001, 1))
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.PostForm(ts.URL+"/", url.Values{"revenue": {"1"}, "growth_rate": {"1"}})
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestCurrentAndLegacyData(t *testing.T) {
	svc, hub := newTestService(t, Config{})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	body := get(t, ts.URL+"/projection")
	if body != `{"seq":0,"set":false,"points":null}` {
		t.Fatalf("unset payload = %s", body)
	}
	if got := get(t, ts.URL+"/data"); !strings.Contains(got, `"revenues":null`) || !strings.Contains(got, `"Dec"`) {
		t.Fatalf("legacy unset = %s", got)
	}
	if _, err := hub.Publish([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12.346}); err != nil {
		t.Fatal(err)
	}
	if got := get(t, ts.URL+"/data"); !strings.Contains(got, `12.35]`) {
		t.Fatalf("legacy set = %s", got)
	}
	if got := get(t, ts.URL+"/stats"); !strings.Contains(got, `"version":"test"`) || !strings.Contains(got, `"seq":1`) {
		t.Fatalf("stats = %s", got)
	}
}

func TestEventStream(t *testing.T) {
	svc, hub := newTestService(t, Config{WriteTimeout: time.Second})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	expect := func(pred func(string) bool, what string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %s", what)
				}
				if pred(l) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", what)
			}
		}
	}

	expect(func(l string) bool { return l == `data: {"seq":0,"set":false,"points":null}` }, "unset snapshot")
	expect(func(l string) bool { return l == ": ping" }, "keep-alive")

	if _, err := hub.Publish([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	expect(func(l string) bool { return strings.HasPrefix(l, `data: {"seq":1,"set":true`) }, "published snapshot")

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventStreamRejectsUnknownMode(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/events?mode=carrier-pigeon")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPprofTokenAndReconfigure(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	if code := status(t, ts.URL+"/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: status = %d", code)
	}
	svc.Reconfigure(context.Background(), Config{Pprof: PprofConfig{Enabled: true, Token: "s3cret"}})
	if code := status(t, ts.URL+"/debug/pprof/"); code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", code)
	}
	if code := status(t, ts.URL+"/debug/pprof/?token=s3cret"); code != http.StatusOK {
		t.Fatalf("with token: status = %d", code)
	}
}

func TestServiceLifecycle(t *testing.T) {
	svc, _ := newTestService(t, Config{Addr: "127.0.0.1:0"})
	ctx := context.Background()
	svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never bound")
	}
	base := "http://" + svc.Addr()
	if got := get(t, base+"/healthz"); got != "ok" {
		t.Fatalf("healthz = %q", got)
	}

	resp, err := http.Get(base + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	if stopCtx.Err() != nil {
		t.Fatal("Stop blocked on an open event stream")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	if svc.Addr() != "" {
		t.Fatal("listener still recorded after Stop")
	}
}

func get(t *testing.T, u string) string {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func status(t *testing.T, u string) int {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
