package mixer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputGraph  = (*Graph)(nil)
	_ audio.OutputDevice = (*Device)(nil)
	_ audio.Voice        = (*voice)(nil)
)

const (
	// DefaultQuantum is the wall-clock length of one render block.
	DefaultQuantum = 20 * time.Millisecond

	defaultQueueCap = 16
)

// Option configures a [Graph] during construction.
type Option func(*Graph)

// WithQuantum sets the render block length. Shorter blocks lower latency at
// the cost of more wakeups.
func WithQuantum(d time.Duration) Option {
	return func(g *Graph) {
		if d > 0 {
			g.tick = d
		}
	}
}

// WithIdleSuspend makes the graph suspend itself after d without any queued
// or playing voice. Zero disables auto-suspend.
func WithIdleSuspend(d time.Duration) Option {
	return func(g *Graph) { g.idleSuspend = d }
}

// WithManualClock disables the render goroutine. The clock only advances
// through [Graph.Render], which lets tests step time deterministically.
func WithManualClock() Option {
	return func(g *Graph) { g.manual = true }
}

// Graph is a software [audio.OutputGraph].
//
// The clock counts rendered samples. Voices wait in a min-heap keyed by start
// sample until the render block that reaches them; they are then mixed
// sample-accurately into the block and retired once their last sample has
// been rendered. onEnded callbacks, the tap and the sink run outside the lock.
//
// All exported methods are safe for concurrent use.
type Graph struct {
	rate        int
	tick        time.Duration
	idleSuspend time.Duration
	manual      bool
	sink        io.Writer

	mu        sync.Mutex
	clock     int64 // samples rendered so far
	state     audio.GraphState
	pending   voiceHeap
	playing   []*voice
	tap       func([]float32)
	idleSince int64
	seq       uint64
	sinkFail  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a running Graph at sampleRate whose mix is written to sink as
// mono int16 little-endian PCM. A nil sink discards the mix. Unless
// [WithManualClock] is given, a render goroutine starts immediately; call
// [Graph.Close] to stop it.
func New(sampleRate int, sink io.Writer, opts ...Option) *Graph {
	g := &Graph{
		rate:    sampleRate,
		tick:    DefaultQuantum,
		sink:    sink,
		pending: make(voiceHeap, 0, defaultQueueCap),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	heap.Init(&g.pending)
	if !g.manual {
		g.wg.Add(1)
		go g.run()
	}
	return g
}

// SampleRate returns the rate of the graph clock.
func (g *Graph) SampleRate() int { return g.rate }

// CurrentTime returns the output clock in seconds.
func (g *Graph) CurrentTime() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.clock) / float64(g.rate)
}

// State returns the current power state.
func (g *Graph) State() audio.GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Resume moves a suspended graph back to running. Resuming a running graph is
// a no-op.
func (g *Graph) Resume(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == audio.GraphClosed {
		return audio.ErrGraphClosed
	}
	g.state = audio.GraphRunning
	g.idleSince = g.clock
	return nil
}

// Suspend pauses the clock. Voices keep their schedule and continue once the
// graph is resumed.
func (g *Graph) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == audio.GraphRunning {
		g.state = audio.GraphSuspended
	}
}

// Start schedules buf at clock time at. buf must be at the graph rate.
func (g *Graph) Start(buf *audio.Buffer, at float64, onEnded func()) (audio.Voice, error) {
	if buf.Frames() == 0 {
		return nil, errors.New("mixer: start: empty buffer")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == audio.GraphClosed {
		return nil, audio.ErrGraphClosed
	}
	if buf.SampleRate != g.rate {
		return nil, fmt.Errorf("mixer: start: buffer rate %d does not match graph rate %d", buf.SampleRate, g.rate)
	}

	start := max(int64(math.Round(at*float64(g.rate))), g.clock)
	g.seq++
	v := &voice{g: g, buf: buf, start: start, seq: g.seq, onEnded: onEnded}
	heap.Push(&g.pending, v)
	g.idleSince = g.clock
	return v, nil
}

// Tap installs fn to receive every rendered block. fn runs on the render
// goroutine and must not block.
func (g *Graph) Tap(fn func(mix []float32)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tap = fn
}

// Render advances the clock by frames samples, mixing every voice that
// overlaps the block. It is called by the render goroutine, or directly by
// tests using [WithManualClock]. A suspended or closed graph does not advance.
func (g *Graph) Render(frames int) {
	g.mu.Lock()
	if g.state != audio.GraphRunning || frames <= 0 {
		g.mu.Unlock()
		return
	}

	from := g.clock
	to := from + int64(frames)
	for g.pending.Len() > 0 && g.pending[0].start < to {
		g.playing = append(g.playing, heap.Pop(&g.pending).(*voice))
	}

	mix := make([]float32, frames)
	var ended []func()
	kept := g.playing[:0]
	for _, v := range g.playing {
		last := v.start + int64(v.buf.Frames())
		for s := max(from, v.start); s < min(to, last); s++ {
			mix[s-from] += v.buf.Mono(int(s - v.start))
		}
		if last <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(g.playing[len(kept):])
	g.playing = kept
	g.clock = to

	if len(g.playing) > 0 || g.pending.Len() > 0 {
		g.idleSince = to
	} else if g.idleSuspend > 0 && to-g.idleSince >= int64(g.idleSuspend.Seconds()*float64(g.rate)) {
		g.state = audio.GraphSuspended
		slog.Debug("mixer: idle, suspending output graph", "clock", float64(to)/float64(g.rate))
	}
	tap := g.tap
	g.mu.Unlock()

	g.writeSink(mix)
	if tap != nil {
		tap(mix)
	}
	for _, fn := range ended {
		fn()
	}
}

func (g *Graph) writeSink(mix []float32) {
	if g.sink == nil {
		return
	}
	if _, err := g.sink.Write(audio.EncodePCM16(mix, g.rate).Data); err != nil {
		g.mu.Lock()
		first := !g.sinkFail
		g.sinkFail = true
		g.mu.Unlock()
		if first {
			slog.Warn("mixer: sink write failed", "err", err)
		}
	}
}

// Close stops the render goroutine, drops every voice without running its
// callback, and closes the sink if it is an [io.Closer]. Close is idempotent.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.state == audio.GraphClosed {
		g.mu.Unlock()
		return nil
	}
	g.state = audio.GraphClosed
	for _, v := range g.pending {
		v.done = true
	}
	for _, v := range g.playing {
		v.done = true
	}
	g.pending = g.pending[:0]
	g.playing = nil
	g.mu.Unlock()

	close(g.done)
	g.wg.Wait()

	if c, ok := g.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *Graph) run() {
	defer g.wg.Done()

	frames := int(g.tick.Seconds() * float64(g.rate))
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.Render(frames)
		}
	}
}

// ── voice ──────────────────────────────────────────────────────────────────────

type voice struct {
	g       *Graph
	buf     *audio.Buffer
	start   int64 // first sample on the graph clock
	seq     uint64
	index   int // position in the pending heap, -1 once popped
	onEnded func()
	done    bool
}

// Start returns the first sample of the voice as clock time in seconds.
func (v *voice) Start() float64 { return float64(v.start) / float64(v.g.rate) }

// Stop removes the voice from the graph and runs its onEnded callback on the
// caller's goroutine. Stopping a finished voice is a no-op.
func (v *voice) Stop() {
	g := v.g
	g.mu.Lock()
	if v.done {
		g.mu.Unlock()
		return
	}
	v.done = true
	if v.index >= 0 && v.index < g.pending.Len() && g.pending[v.index] == v {
		heap.Remove(&g.pending, v.index)
	} else {
		for i, p := range g.playing {
			if p == v {
				g.playing = append(g.playing[:i], g.playing[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	if v.onEnded != nil {
		v.onEnded()
	}
}

// ── Device ─────────────────────────────────────────────────────────────────────

// Device opens software graphs on a PCM sink.
type Device struct {
	// NewSink opens the destination for a graph's mix. Nil discards output.
	NewSink func(ctx context.Context, sampleRate int) (io.WriteCloser, error)

	// Options are applied to every graph the device opens.
	Options []Option
}

// Open creates a running [Graph] at sampleRate. A sink that cannot be opened
// is reported as an [*audio.PermissionError].
func (d *Device) Open(ctx context.Context, sampleRate int) (audio.OutputGraph, error) {
	var sink io.Writer
	if d.NewSink != nil {
		s, err := d.NewSink(ctx, sampleRate)
		if err != nil {
			return nil, &audio.PermissionError{Device: "speaker", Err: err}
		}
		sink = s
	}
	return New(sampleRate, sink, d.Options...), nil
}
