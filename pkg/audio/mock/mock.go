// Package mock provides in-memory fakes of the [audio.CaptureDevice],
// [audio.CaptureStream], [audio.OutputDevice] and [audio.OutputGraph]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	graph := mock.NewOutputGraph(24000)
//	out := &mock.OutputDevice{Graph: graph}
//	mic := &mock.CaptureDevice{}
//	// ... run the engine ...
//	graph.SetTime(0.5)
//	graph.Complete(0) // fire the first unit's completion callback
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.OutputGraph   = (*OutputGraph)(nil)
	_ audio.Voice         = (*Unit)(nil)
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock [audio.CaptureDevice]. Each successful Acquire
// returns a fresh [CaptureStream], recorded in Streams.
type CaptureDevice struct {
	mu sync.Mutex

	// AcquireErr is returned by Acquire when non-nil.
	AcquireErr error

	// Streams records every stream handed out, in order.
	Streams []*CaptureStream

	// Rates records the sample rate passed to each Acquire call.
	Rates []int
}

// Acquire records the call and returns a new [CaptureStream] or AcquireErr.
func (d *CaptureDevice) Acquire(_ context.Context, sampleRate int) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Rates = append(d.Rates, sampleRate)
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	s := &CaptureStream{rate: sampleRate}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Last returns the most recently acquired stream, or nil.
func (d *CaptureDevice) Last() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock [audio.CaptureStream]. Tests push audio with
// [CaptureStream.Emit]; no goroutine is involved.
type CaptureStream struct {
	mu        sync.Mutex
	rate      int
	tap       func([]float32)
	process   func([]float32)
	blockSize int
	onEnd     func(error)
	closed    bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SampleRate returns the rate passed to Acquire.
func (s *CaptureStream) SampleRate() int { return s.rate }

// Tap records the tap callback.
func (s *CaptureStream) Tap(fn func([]float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = fn
}

// Process records the block callback and size.
func (s *CaptureStream) Process(blockSize int, fn func([]float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = fn
	s.blockSize = blockSize
}

// Close disconnects both callbacks.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.tap = nil
	s.process = nil
	s.onEnd = nil
	return nil
}

// OnEnd records the end callback.
func (s *CaptureStream) OnEnd(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = fn
}

// End simulates the input stopping on its own with err. The end callback
// runs synchronously, at most once. It reports whether a callback ran.
func (s *CaptureStream) End(err error) bool {
	s.mu.Lock()
	fn := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(err)
	return true
}

// Emit delivers block synchronously to the tap and, when installed, the
// processing callback. It reports whether the processing callback ran.
func (s *CaptureStream) Emit(block []float32) bool {
	s.mu.Lock()
	tap, process := s.tap, s.process
	s.mu.Unlock()
	if tap != nil {
		tap(block)
	}
	if process != nil {
		process(block)
		return true
	}
	return false
}

// BlockSize returns the block size passed to the last Process call.
func (s *CaptureStream) BlockSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockSize
}

// Wired reports whether a processing callback is installed.
func (s *CaptureStream) Wired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process != nil
}

// Closed reports whether Close was called at least once.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Graph is returned by Open. When nil, Open creates a new graph per call.
	Graph *OutputGraph

	// Opened records every graph handed out, in order.
	Opened []*OutputGraph
}

// Open returns Graph, a fresh [OutputGraph], or OpenErr.
func (d *OutputDevice) Open(_ context.Context, sampleRate int) (audio.OutputGraph, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	g := d.Graph
	if g == nil {
		g = NewOutputGraph(sampleRate)
	}
	d.Opened = append(d.Opened, g)
	return g, nil
}

// Last returns the most recently opened graph, or nil.
func (d *OutputDevice) Last() *OutputGraph {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Opened) == 0 {
		return nil
	}
	return d.Opened[len(d.Opened)-1]
}

// ─── OutputGraph ──────────────────────────────────────────────────────────────

// Unit is a buffer scheduled on a mock [OutputGraph].
type Unit struct {
	g *OutputGraph

	// Buffer is the scheduled audio.
	Buffer *audio.Buffer

	// At is the requested start time in seconds.
	At float64

	// Effective is At clamped to the clock when the unit was started.
	Effective float64

	onEnded func()
	stops   int
	ended   bool
}

// Start returns the effective start time.
func (u *Unit) Start() float64 { return u.Effective }

// Stop records the call. Unlike a real graph, the completion callback only
// fires through [OutputGraph.Complete].
func (u *Unit) Stop() {
	u.g.mu.Lock()
	defer u.g.mu.Unlock()
	u.stops++
}

// Stops returns how many times Stop was called.
func (u *Unit) Stops() int {
	u.g.mu.Lock()
	defer u.g.mu.Unlock()
	return u.stops
}

// OutputGraph is a mock [audio.OutputGraph] with a manual clock.
type OutputGraph struct {
	mu    sync.Mutex
	rate  int
	now   float64
	state audio.GraphState
	tap   func([]float32)
	units []*Unit

	// StartErr is returned by Start when non-nil.
	StartErr error

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputGraph returns a running graph at rate with its clock at zero.
func NewOutputGraph(rate int) *OutputGraph {
	return &OutputGraph{rate: rate}
}

// SampleRate returns the graph rate.
func (g *OutputGraph) SampleRate() int { return g.rate }

// CurrentTime returns the manual clock.
func (g *OutputGraph) CurrentTime() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now
}

// SetTime moves the manual clock.
func (g *OutputGraph) SetTime(t float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = t
}

// State returns the current power state.
func (g *OutputGraph) State() audio.GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState forces the power state, e.g. to simulate an idle suspend.
func (g *OutputGraph) SetState(s audio.GraphState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// Resume records the call and marks the graph running unless ResumeErr is set.
func (g *OutputGraph) Resume(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountResume++
	if g.ResumeErr != nil {
		return g.ResumeErr
	}
	if g.state != audio.GraphClosed {
		g.state = audio.GraphRunning
	}
	return nil
}

// Start records the unit, clamping at to the manual clock.
func (g *OutputGraph) Start(buf *audio.Buffer, at float64, onEnded func()) (audio.Voice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StartErr != nil {
		return nil, g.StartErr
	}
	if g.state == audio.GraphClosed {
		return nil, audio.ErrGraphClosed
	}
	u := &Unit{g: g, Buffer: buf, At: at, Effective: max(at, g.now), onEnded: onEnded}
	g.units = append(g.units, u)
	return u, nil
}

// Units returns every unit scheduled so far, in order.
func (g *OutputGraph) Units() []*Unit {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Unit, len(g.units))
	copy(out, g.units)
	return out
}

// Complete fires the completion callback of unit i, once. It reports whether
// a callback ran.
func (g *OutputGraph) Complete(i int) bool {
	g.mu.Lock()
	if i < 0 || i >= len(g.units) || g.units[i].ended {
		g.mu.Unlock()
		return false
	}
	u := g.units[i]
	u.ended = true
	fn := u.onEnded
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
	return fn != nil
}

// Tap records the tap callback.
func (g *OutputGraph) Tap(fn func([]float32)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tap = fn
}

// Feed delivers mix to the installed tap, if any.
func (g *OutputGraph) Feed(mix []float32) {
	g.mu.Lock()
	tap := g.tap
	g.mu.Unlock()
	if tap != nil {
		tap(mix)
	}
}

// Close records the call and marks the graph closed.
func (g *OutputGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountClose++
	g.state = audio.GraphClosed
	return nil
}
