package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livevox/internal/app"
	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/internal/engine"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/transcript"
	audiomock "github.com/MrWong99/livevox/pkg/audio/mock"
	"github.com/MrWong99/livevox/pkg/transport"
	transportmock "github.com/MrWong99/livevox/pkg/transport/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeArchive records archived entries.
type fakeArchive struct {
	mu      sync.Mutex
	entries []transcript.Entry
	pingErr error
}

func (f *fakeArchive) Write(_ context.Context, _ string, entries []transcript.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeArchive) Ping(context.Context) error { return f.pingErr }

func (f *fakeArchive) got() []transcript.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Entry(nil), f.entries...)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = ""
	cfg.Server.UIPollInterval = 10 * time.Millisecond
	cfg.Session.Greeting = "Hello"
	return cfg
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type fixture struct {
	app  *app.App
	conn *transportmock.Provider
	sess []*transportmock.Session
	mic  *audiomock.CaptureDevice
	out  *audiomock.OutputDevice
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	sess := []*transportmock.Session{transportmock.NewSession(), transportmock.NewSession()}
	f := &fixture{
		conn: &transportmock.Provider{Sessions: sess},
		sess: sess,
		mic:  &audiomock.CaptureDevice{},
		out:  &audiomock.OutputDevice{},
	}
	base := []app.Option{
		app.WithProvider(f.conn),
		app.WithDevices(f.mic, f.out),
		app.WithMetrics(noopMetrics(t)),
		app.WithConsole(nil),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runApp runs a in the background and returns a stop function that cancels
// it and returns Run's error.
func runApp(t *testing.T, a *app.App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

type snapshotBody struct {
	State        string             `json:"state"`
	Error        string             `json:"error"`
	SessionID    string             `json:"session_id"`
	Transcript   []transcript.Entry `json:"transcript"`
	PartialUser  string             `json:"partial_user"`
	PartialModel string             `json:"partial_model"`
}

func do(t *testing.T, srv *httptest.Server, method, path string) (int, snapshotBody) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body snapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, body
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	if f.app.Engine() == nil {
		t.Fatal("Engine() returned nil")
	}
	if got := f.app.Engine().State(); got != engine.StateIdle {
		t.Errorf("initial state = %v, want idle", got)
	}
	model, cfg := f.app.Engine().SessionConfig()
	if model != "" || cfg.Voice != transport.VoiceZephyr {
		t.Errorf("session config = %q/%+v", model, cfg)
	}
}

func TestNew_BuildsTransportFromRegistry(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transport.Model = "primary-model"
	cfg.Transport.Fallbacks = []config.TransportEntry{{Name: "openai-realtime", Model: "gpt-realtime"}}

	primary := &transportmock.Provider{ProviderName: "gemini-live", ConnectErr: errors.New("down")}
	secondary := &transportmock.Provider{ProviderName: "openai-realtime"}
	reg := config.NewRegistry()
	reg.Register("gemini-live", func(config.TransportEntry) (transport.Provider, error) { return primary, nil })
	reg.Register("openai-realtime", func(config.TransportEntry) (transport.Provider, error) { return secondary, nil })

	a, err := app.New(context.Background(), cfg,
		app.WithRegistry(reg),
		app.WithDevices(&audiomock.CaptureDevice{}, &audiomock.OutputDevice{}),
		app.WithMetrics(noopMetrics(t)),
		app.WithConsole(nil),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Engine().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c := primary.Calls(); len(c) != 1 || c[0].Model != "primary-model" {
		t.Errorf("primary calls = %+v", c)
	}
	if c := secondary.Calls(); len(c) != 1 || c[0].Model != "gpt-realtime" {
		t.Errorf("secondary calls = %+v", c)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []app.Option
		wantErr error
	}{
		{name: "no registry"},
		{
			name:    "unknown transport",
			opts:    []app.Option{app.WithRegistry(config.NewRegistry())},
			wantErr: config.ErrTransportNotRegistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := append([]app.Option{app.WithConsole(nil)}, tt.opts...)
			_, err := app.New(context.Background(), testConfig(), opts...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func TestHTTP_SessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	code, body := do(t, srv, http.MethodGet, "/api/session")
	if code != http.StatusOK || body.State != "idle" {
		t.Fatalf("initial snapshot: %d %+v", code, body)
	}
	if body.Transcript == nil {
		t.Error("transcript should encode as an empty array")
	}

	code, body = do(t, srv, http.MethodPost, "/api/session/start")
	if code != http.StatusAccepted || body.State != "connecting" {
		t.Fatalf("start: %d %+v", code, body)
	}

	f.sess[0].Emit(transport.Event{Kind: transport.EventOpened})
	waitFor(t, "active", func() bool { return f.app.Engine().State() == engine.StateActive })

	if code, body = do(t, srv, http.MethodPost, "/api/session/start"); code != http.StatusConflict || body.State != "active" {
		t.Errorf("second start: %d %+v", code, body)
	}
	if n := len(f.conn.Calls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}

	code, body = do(t, srv, http.MethodPost, "/api/session/stop")
	if code != http.StatusOK || body.State != "idle" {
		t.Fatalf("stop: %d %+v", code, body)
	}
	if !f.mic.Last().Closed() {
		t.Error("microphone should be released on stop")
	}
}

func TestHTTP_StartFailureReportsMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.conn.ConnectErr = errors.New("dial tcp: refused")
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	code, body := do(t, srv, http.MethodPost, "/api/session/start")
	if code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", code, http.StatusBadGateway)
	}
	if body.State != "error" || body.Error != engine.MsgConnection {
		t.Errorf("snapshot = %+v", body)
	}
	if strings.Contains(body.Error, "refused") {
		t.Error("raw error text leaked into the snapshot")
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	arch := &fakeArchive{pingErr: errors.New("no route to host")}
	f := newFixture(t, testConfig(), app.WithArchive(arch))
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := srv.Client().Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHTTP_StreamPushesSnapshots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/session/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	var first snapshotBody
	if err := wsjson.Read(ctx, c, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.State != "idle" {
		t.Errorf("first state = %q, want idle", first.State)
	}

	if err := f.app.Engine().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.sess[0]
	sess.Emit(transport.Event{Kind: transport.EventOpened})
	sess.Emit(transport.Event{Kind: transport.EventPartialText, Role: transport.RoleUser, Text: "what's the "})
	sess.Emit(transport.Event{Kind: transport.EventPartialText, Role: transport.RoleUser, Text: "weather"})

	for {
		var s snapshotBody
		if err := wsjson.Read(ctx, c, &s); err != nil {
			t.Fatalf("read: %v", err)
		}
		if s.State == "active" && s.PartialUser == "what's the weather" {
			break
		}
	}
	c.Close(websocket.StatusNormalClosure, "")
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_ServesAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, testConfig(), app.WithListener(l))
	stop := runApp(t, f.app)

	url := "http://" + l.Addr().String() + "/healthz"
	waitFor(t, "healthz", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRun_Autostart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), app.WithAutostart(true))
	runApp(t, f.app)

	waitFor(t, "connect", func() bool { return len(f.conn.Calls()) == 1 })
	waitFor(t, "connecting", func() bool { return f.app.Engine().State() == engine.StateConnecting })
}

func TestRun_ConsoleAndArchiveReceiveTurns(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	arch := &fakeArchive{}
	f := newFixture(t, testConfig(), app.WithArchive(arch), app.WithConsole(out))
	a := f.app
	runApp(t, a)

	if err := a.Engine().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.sess[0]
	sess.Emit(transport.Event{Kind: transport.EventOpened})
	sess.Emit(transport.Event{Kind: transport.EventPartialText, Role: transport.RoleUser, Text: " hi there "})
	sess.Emit(transport.Event{Kind: transport.EventPartialText, Role: transport.RoleModel, Text: "Hello!"})
	sess.Emit(transport.Event{Kind: transport.EventTurnComplete})

	waitFor(t, "archived turn", func() bool { return len(arch.got()) == 2 })
	got := arch.got()
	if got[0].Role != transport.RoleUser || got[0].Text != "hi there" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Role != transport.RoleModel || got[1].Text != "Hello!" {
		t.Errorf("entry 1 = %+v", got[1])
	}

	waitFor(t, "console output", func() bool {
		s := out.String()
		return strings.Contains(s, "user: hi there") && strings.Contains(s, "model: Hello!")
	})
	for _, want := range []string{"[connecting] session ", "[active] session "} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("console missing %q in:\n%s", want, out.String())
		}
	}
}

func TestRun_ConfigReloadAppliesToNextSession(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "livevox.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("server:\n  log_level: info\nsession:\n  voice: Kore\n  greeting: Hi\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var level slog.LevelVar
	f := newFixture(t, cfg,
		app.WithListener(l),
		app.WithLogLevel(&level),
		app.WithConfigWatch(path, func(string) string { return "" }, config.WithInterval(20*time.Millisecond)),
	)
	runApp(t, f.app)

	if err := f.app.Engine().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	write("server:\n  log_level: debug\nsession:\n  voice: Puck\n  greeting: Welcome back\n  web_grounding: true\n")

	waitFor(t, "reload", func() bool {
		_, c := f.app.Engine().SessionConfig()
		return c.Voice == transport.VoicePuck
	})
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}

	// The live session keeps the settings it connected with.
	if c := f.conn.Calls()[0].Cfg; c.Voice != transport.VoiceKore || c.WebGrounding {
		t.Errorf("first connect cfg = %+v", c)
	}

	if err := f.app.Engine().Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.app.Engine().Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if c := f.conn.Calls()[1].Cfg; c.Voice != transport.VoicePuck || !c.WebGrounding {
		t.Errorf("second connect cfg = %+v", c)
	}
	sess := f.sess[1]
	sess.Emit(transport.Event{Kind: transport.EventOpened})
	waitFor(t, "greeting", func() bool { return len(sess.Texts()) == 1 })
	if got := sess.Texts()[0]; got != "Welcome back" {
		t.Errorf("greeting = %q", got)
	}
}

func TestRun_ConfigWatchFailsOnMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), app.WithConfigWatch(filepath.Join(t.TempDir(), "missing.yaml"), nil))
	if err := f.app.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestShutdown_EndsSessionAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	if err := f.app.Engine().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := f.app.Engine().State(); got != engine.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if err := f.app.Engine().Start(context.Background()); !errors.Is(err, engine.ErrShutdown) {
		t.Errorf("Start after shutdown = %v, want ErrShutdown", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
