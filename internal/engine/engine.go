// Package engine implements the session state machine that ties the capture
// pipeline, the playback scheduler and the transcript aggregator to one remote
// transport session.
//
// An [Engine] owns at most one session at a time. [Engine.Start] acquires the
// microphone, opens the output graph and dials the transport; a single
// dispatch goroutine then consumes the session's event stream in order. Every
// way a session can end funnels through one teardown path that releases all
// resources exactly once: an explicit [Engine.Close], a remote close, a
// transport error or a device failure.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livevox/internal/capture"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/playback"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

var (
	// ErrSessionActive is returned by Start while a session is connecting or
	// active. The running session is left untouched.
	ErrSessionActive = errors.New("engine: session already active")

	// ErrAborted is returned by Start when Close ran before the session
	// finished opening.
	ErrAborted = errors.New("engine: start aborted")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("engine: shut down")
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithSessionConfig sets the model and transport config used by Start.
func WithSessionConfig(model string, cfg transport.Config) Option {
	return func(e *Engine) {
		e.model = model
		e.cfg = cfg
	}
}

// WithGreeting sets the trigger text sent once after the session opens. An
// empty greeting sends nothing.
func WithGreeting(text string) Option {
	return func(e *Engine) { e.greeting = text }
}

// WithSink archives every finalized turn to s.
func WithSink(s transcript.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithTranscript replaces the transcript aggregator, e.g. to change its bound.
func WithTranscript(a *transcript.Aggregator) Option {
	return func(e *Engine) { e.transcript = a }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCaptureOptions passes opts to every capture pipeline the engine builds.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(e *Engine) { e.captureOpts = append(e.captureOpts, opts...) }
}

// WithPlaybackOptions passes opts to every playback scheduler the engine builds.
func WithPlaybackOptions(opts ...playback.Option) Option {
	return func(e *Engine) { e.playbackOpts = append(e.playbackOpts, opts...) }
}

// WithPlaybackSampleRate sets the rate output graphs are opened at. Default:
// [audio.PlaybackSampleRate].
func WithPlaybackSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.playbackRate = rate
		}
	}
}

// WithSessionIDs replaces the session ID generator. Defaults to random UUIDs.
func WithSessionIDs(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// run holds the resources of one session. The resource fields are written
// under Engine.mu while the run is current and are read-only afterwards.
type run struct {
	id       string
	provider string
	started  time.Time
	greeting string

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	capture  *capture.Pipeline
	playback *playback.Scheduler
	session  transport.Session

	// opened is touched only by the dispatch goroutine.
	opened bool

	// active is guarded by Engine.mu.
	active bool
}

type listener struct {
	id int
	fn func(Transition)
}

// Engine is the session state machine. It is safe for concurrent use.
type Engine struct {
	connector    transport.Provider
	capDev       audio.CaptureDevice
	outDev       audio.OutputDevice
	metrics      *observe.Metrics
	sink         transcript.Sink
	transcript   *transcript.Aggregator
	newID        func() string
	playbackRate int
	captureOpts  []capture.Option
	playbackOpts []playback.Option

	mu        sync.Mutex
	state     State
	errMsg    string
	run       *run
	model     string
	cfg       transport.Config
	greeting  string
	listeners []listener
	nextLID   int
	shutdown  bool

	// wg tracks dispatch goroutines so Shutdown can wait for them.
	wg sync.WaitGroup
}

// New returns an idle Engine that opens sessions through connector and uses
// capDev and outDev for audio. Nothing is acquired until [Engine.Start].
func New(connector transport.Provider, capDev audio.CaptureDevice, outDev audio.OutputDevice, opts ...Option) *Engine {
	e := &Engine{
		connector:    connector,
		capDev:       capDev,
		outDev:       outDev,
		newID:        uuid.NewString,
		playbackRate: audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.transcript == nil {
		e.transcript = transcript.New()
	}
	return e
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start acquires the microphone and the output graph, then opens the remote
// session. It returns once the session is dialled; the engine stays in
// [StateConnecting] until the remote peer signals it is open.
//
// Start while connecting or active returns [ErrSessionActive]. A device or
// connect failure moves the engine to [StateError], releases everything that
// was acquired and is returned wrapped; errors.As finds
// [*audio.PermissionError] and [*transport.Error].
//
// ctx bounds acquisition and dialling only. The session lives until Close or
// until the remote end finishes it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShutdown
	}
	if e.state.busy() {
		e.mu.Unlock()
		return ErrSessionActive
	}
	model, cfg := e.model, e.cfg
	r := &run{
		id:       e.newID(),
		provider: e.connector.Name(),
		started:  time.Now(),
		greeting: e.greeting,
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.ctx, r.span = observe.StartSessionSpan(runCtx, r.id, r.provider)
	e.run = r
	e.transcript.DiscardPartial()
	t, ls := e.transitionLocked(StateConnecting, "", r.id)
	e.mu.Unlock()
	e.notify(t, ls)

	// Caller cancellation aborts the setup steps but not the session itself.
	setupCtx, stop := context.WithCancel(r.ctx)
	defer stop()
	unlink := context.AfterFunc(ctx, stop)
	defer unlink()

	pipeline := capture.New(e.capDev, append([]capture.Option{
		capture.WithMetrics(e.metrics),
		capture.WithEndHandler(func(err error) { e.teardown(r, StateError, MsgMicrophone, err) }),
	}, e.captureOpts...)...)
	if !e.attach(r, func() { r.capture = pipeline }) {
		_ = pipeline.Close()
		return ErrAborted
	}
	if err := pipeline.Acquire(setupCtx); err != nil {
		return e.abort(r, MsgMicrophone, "acquire microphone", err)
	}

	graph, err := e.outDev.Open(setupCtx, e.playbackRate)
	if err != nil {
		var pe *audio.PermissionError
		if !errors.As(err, &pe) {
			err = &audio.PermissionError{Device: "speaker", Err: err}
		}
		return e.abort(r, MsgSpeaker, "open output", err)
	}
	sched := playback.New(graph, append([]playback.Option{playback.WithMetrics(e.metrics)}, e.playbackOpts...)...)
	if !e.attach(r, func() { r.playback = sched }) {
		_ = sched.Close()
		return ErrAborted
	}

	began := time.Now()
	sess, err := e.connector.Connect(setupCtx, model, cfg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordConnect(r.ctx, r.provider, status, time.Since(began).Seconds())
	if err != nil {
		e.metrics.RecordTransportError(r.ctx, r.provider, "connect")
		return e.abort(r, MsgConnection, "connect", err)
	}

	ok := e.attach(r, func() {
		r.session = sess
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatch(r)
		}()
	})
	if !ok {
		_ = sess.Close()
		return ErrAborted
	}
	observe.Logger(r.ctx).Info("engine: session dialled",
		"session_id", r.id, "provider", r.provider, "model", model)
	return nil
}

// Close ends the current session, if any, and returns the engine to
// [StateIdle] from any state. Safe to call repeatedly and from state-change
// listeners.
func (e *Engine) Close() error {
	for {
		e.mu.Lock()
		r := e.run
		if r == nil {
			if e.state == StateIdle {
				e.mu.Unlock()
				return nil
			}
			t, ls := e.transitionLocked(StateIdle, "", "")
			e.mu.Unlock()
			e.notify(t, ls)
			return nil
		}
		e.mu.Unlock()
		if e.teardown(r, StateIdle, "", nil) {
			return nil
		}
	}
}

// Shutdown closes the current session, rejects further starts and waits for
// the dispatch goroutine to exit or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	_ = e.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// SetSessionConfig replaces the model and transport config used by the next
// Start. A live session keeps the settings it was opened with.
func (e *Engine) SetSessionConfig(model string, cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("engine: session config: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = model
	e.cfg = cfg
	return nil
}

// SetGreeting replaces the trigger text sent by the next session.
func (e *Engine) SetGreeting(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.greeting = text
}

// SessionConfig returns the model and config the next Start will use.
func (e *Engine) SessionConfig() (string, transport.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model, e.cfg
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// dispatch consumes the session's events in order until the session ends.
func (e *Engine) dispatch(r *run) {
	for ev := range r.session.Events() {
		if !e.handle(r, ev) {
			return
		}
	}
	// A local Close makes the run stale before the channel closes. Anything
	// else is the remote end vanishing without saying so.
	if e.current(r) {
		e.metrics.RecordTransportError(r.ctx, r.provider, "eof")
		e.teardown(r, StateError, MsgConnection, &transport.Error{
			Provider: r.provider,
			Op:       "receive",
			Err:      errors.New("event stream ended without a close"),
		})
	}
}

// handle applies one event. It reports whether dispatch should continue.
func (e *Engine) handle(r *run, ev transport.Event) bool {
	if !e.current(r) {
		return false
	}
	log := observe.Logger(r.ctx)

	switch ev.Kind {
	case transport.EventOpened:
		if r.opened {
			return true
		}
		r.opened = true
		if err := r.capture.Wire(r.session, r.greeting); err != nil {
			log.Warn("engine: greeting not sent", "session_id", r.id, "err", err)
		}
		e.activate(r)
		return true

	case transport.EventClosed:
		log.Info("engine: remote closed session", "session_id", r.id)
		e.teardown(r, StateIdle, "", nil)
		return false

	case transport.EventError:
		kind := "remote"
		var te *transport.Error
		if errors.As(ev.Err, &te) {
			kind = te.Op
		}
		e.metrics.RecordTransportError(r.ctx, r.provider, kind)
		e.teardown(r, StateError, MsgConnection, ev.Err)
		return false

	case transport.EventWarning:
		var code string
		var te *transport.Error
		if errors.As(ev.Err, &te) {
			code = te.Code
		}
		e.metrics.RecordTransportError(r.ctx, r.provider, "warning")
		log.Warn("engine: remote rejected request", "session_id", r.id, "code", code, "err", ev.Err)
		return true
	}

	if !r.opened {
		log.Debug("engine: event before open dropped", "session_id", r.id, "kind", ev.Kind.String())
		return true
	}

	switch ev.Kind {
	case transport.EventAudio:
		e.metrics.AudioChunks.Add(r.ctx, 1)
		frame := audio.AudioFrame{
			Data:       ev.Audio,
			SampleRate: audio.ParseRate(ev.MIMEType, audio.PlaybackSampleRate),
			Channels:   1,
		}
		if _, err := r.playback.Enqueue(r.ctx, frame); err != nil {
			var ce *audio.CodecError
			if errors.As(err, &ce) {
				log.Warn("engine: malformed audio chunk dropped",
					"session_id", r.id, "payload_bytes", len(ev.Audio), "err", err)
			} else {
				log.Debug("engine: audio chunk not scheduled", "session_id", r.id, "err", err)
			}
		}

	case transport.EventPartialText:
		return e.attach(r, func() { e.transcript.AppendPartial(ev.Role, ev.Text) })

	case transport.EventTurnComplete:
		return e.finalize(r)

	case transport.EventInterrupted:
		r.playback.Interrupt()
		log.Debug("engine: playback interrupted", "session_id", r.id)
		return e.attach(r, e.transcript.DiscardPartial)
	}
	return true
}

// finalize closes the current turn and hands new entries to the sink. It
// reports false when r is no longer current.
func (e *Engine) finalize(r *run) bool {
	var entries []transcript.Entry
	if !e.attach(r, func() { entries = e.transcript.FinalizeTurn() }) {
		return false
	}
	if len(entries) == 0 {
		return true
	}
	e.metrics.TurnsFinalized.Add(r.ctx, 1)
	for _, en := range entries {
		e.metrics.RecordTranscriptEntry(r.ctx, string(en.Role))
	}
	if e.sink == nil {
		return true
	}
	if err := e.sink.Append(r.ctx, r.id, entries); err != nil {
		observe.Logger(r.ctx).Warn("engine: archive transcript", "session_id", r.id, "err", err)
	}
	return true
}

// ── State ────────────────────────────────────────────────────────────────────

// current reports whether r is still the engine's session.
func (e *Engine) current(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run == r
}

// attach runs fn under the lock if r is still current. Transcript updates go
// through attach so none lands after teardown has released r.
func (e *Engine) attach(r *run, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != r {
		return false
	}
	fn()
	return true
}

// activate moves a connecting session to active.
func (e *Engine) activate(r *run) {
	e.mu.Lock()
	if e.run != r || e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	r.active = true
	t, ls := e.transitionLocked(StateActive, "", r.id)
	e.mu.Unlock()

	e.metrics.ActiveSessions.Add(r.ctx, 1)
	e.notify(t, ls)
}

// abort fails a session that is still opening.
func (e *Engine) abort(r *run, msg, op string, err error) error {
	if !e.teardown(r, StateError, msg, err) {
		return ErrAborted
	}
	return fmt.Errorf("engine: %s: %w", op, err)
}

// teardown is the single release path. It moves the engine to state to and
// releases every resource of r. It reports false when r was no longer
// current, in which case nothing happens.
func (e *Engine) teardown(r *run, to State, msg string, cause error) bool {
	e.mu.Lock()
	if e.run != r {
		e.mu.Unlock()
		return false
	}
	e.run = nil
	wasActive := r.active
	pipeline, sched, sess := r.capture, r.playback, r.session
	e.transcript.DiscardPartial()
	t, ls := e.transitionLocked(to, msg, r.id)
	e.mu.Unlock()

	log := observe.Logger(r.ctx)
	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			log.Warn("engine: release microphone", "session_id", r.id, "err", err)
		}
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Debug("engine: close session", "session_id", r.id, "err", err)
		}
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			log.Warn("engine: release output", "session_id", r.id, "err", err)
		}
	}

	if wasActive {
		e.metrics.ActiveSessions.Add(r.ctx, -1)
	}
	e.metrics.SessionDuration.Record(r.ctx, time.Since(r.started).Seconds())
	if cause != nil {
		log.Warn("engine: session failed", "session_id", r.id, "err", cause)
	}
	observe.EndSessionSpan(r.span, msg, cause)
	r.cancel()

	e.notify(t, ls)
	return true
}

// transitionLocked records the new state and returns the transition together
// with the listeners to notify once the lock is released.
func (e *Engine) transitionLocked(to State, msg, sessionID string) (Transition, []listener) {
	t := Transition{From: e.state, To: to, SessionID: sessionID, Message: msg}
	e.state = to
	e.errMsg = msg
	return t, slices.Clone(e.listeners)
}

// notify runs outside the lock so listeners may call back into the engine.
func (e *Engine) notify(t Transition, ls []listener) {
	e.metrics.RecordTransition(context.Background(), t.From.String(), t.To.String())
	slog.Info("engine: state changed",
		"session_id", t.SessionID, "from", t.From.String(), "to", t.To.String())
	for _, l := range ls {
		l.fn(t)
	}
}

// OnStateChange registers fn to run after every state transition. fn runs
// on the goroutine that caused the transition and must not block. The
// returned func removes the registration.
func (e *Engine) OnStateChange(fn func(Transition)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextLID++
	id := e.nextLID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners = slices.DeleteFunc(e.listeners, func(l listener) bool { return l.id == id })
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Levels returns the current input and output volume. Both are zero when no
// session holds the devices.
func (e *Engine) Levels() Levels {
	e.mu.Lock()
	r := e.run
	var (
		pipeline *capture.Pipeline
		sched    *playback.Scheduler
	)
	if r != nil {
		pipeline, sched = r.capture, r.playback
	}
	e.mu.Unlock()
	return levelsOf(pipeline, sched)
}

func levelsOf(pipeline *capture.Pipeline, sched *playback.Scheduler) Levels {
	var l Levels
	if pipeline != nil {
		l.Input = pipeline.Level()
	}
	if sched != nil {
		l.Output = sched.Level()
	}
	return l
}

// Snapshot returns a copy of the state, error message, levels, finalized
// transcript and both partial strings.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{State: e.state, Error: e.errMsg}
	var (
		pipeline *capture.Pipeline
		sched    *playback.Scheduler
	)
	if r := e.run; r != nil {
		s.SessionID = r.id
		pipeline, sched = r.capture, r.playback
	}
	e.mu.Unlock()

	s.Levels = levelsOf(pipeline, sched)
	s.Transcript = e.transcript.Entries()
	if s.Transcript == nil {
		s.Transcript = []transcript.Entry{}
	}
	s.PartialUser = e.transcript.Partial(transport.RoleUser)
	s.PartialModel = e.transcript.Partial(transport.RoleModel)
	return s
}
