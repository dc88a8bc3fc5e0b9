// Package playback schedules inbound audio chunks back to back on an output
// graph's monotonic clock.
//
// Every enqueued frame becomes a [Unit] whose start time is the later of the
// scheduling watermark and the current output clock; the watermark then
// advances to the unit's end. Units therefore play in enqueue order, never
// overlap, and only leave silence where the network was late. [Scheduler.Interrupt]
// stops everything in flight and pulls the watermark back to the present so
// no stale audio plays after the remote peer signals an interruption.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/pkg/audio"
)

// Unit describes one scheduled buffer on the output clock, in seconds.
type Unit struct {
	ID       uint64
	Start    float64
	Duration float64
}

// End returns the clock time at which the unit finishes.
func (u Unit) End() float64 { return u.Start + u.Duration }

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithAnalyzer replaces the output level analyzer.
func WithAnalyzer(a *audio.Analyzer) Option {
	return func(s *Scheduler) { s.analyzer = a }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the active set of units and the scheduling watermark of one
// output graph. It is safe for concurrent use.
type Scheduler struct {
	graph    audio.OutputGraph
	analyzer *audio.Analyzer
	metrics  *observe.Metrics

	mu        sync.Mutex
	active    map[uint64]audio.Voice
	nextStart float64
	seq       uint64
	closed    bool
}

// New returns a Scheduler for graph and taps the graph's mix for metering.
func New(graph audio.OutputGraph, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:  graph,
		active: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	if s.analyzer == nil {
		s.analyzer = audio.NewAnalyzer()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	graph.Tap(s.analyzer.Write)
	return s
}

// decode validates frame and converts it to a buffer at the graph rate.
func (s *Scheduler) decode(frame audio.AudioFrame) (*audio.Buffer, error) {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.graph.SampleRate()
	}
	channels := max(frame.Channels, 1)

	buf, err := audio.DecodePCM16(frame.Data, rate, channels)
	if err != nil {
		return nil, err
	}
	if rate == s.graph.SampleRate() && channels == 1 {
		return buf, nil
	}

	pcm := frame.Data
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	} else if channels > 2 {
		return nil, &audio.CodecError{Length: len(frame.Data), Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}
	return audio.DecodePCM16(audio.ResampleMono16(pcm, rate, s.graph.SampleRate()), s.graph.SampleRate(), 1)
}

// Enqueue decodes frame and schedules it at max(NextStartTime, now). A
// suspended graph is resumed first. Malformed payloads fail with
// [*audio.CodecError] and leave the schedule untouched.
func (s *Scheduler) Enqueue(ctx context.Context, frame audio.AudioFrame) (Unit, error) {
	buf, err := s.decode(frame)
	if err != nil {
		s.metrics.CodecErrors.Add(ctx, 1)
		return Unit{}, err
	}

	if s.graph.State() == audio.GraphSuspended {
		if err := s.graph.Resume(ctx); err != nil {
			return Unit{}, fmt.Errorf("playback: resume: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Unit{}, audio.ErrGraphClosed
	}

	s.seq++
	id := s.seq

	// The clock may advance between reading it and scheduling, so the
	// schedule follows the start the graph actually used.
	voice, err := s.graph.Start(buf, max(s.nextStart, s.graph.CurrentTime()), func() { s.finished(id) })
	if err != nil {
		return Unit{}, fmt.Errorf("playback: schedule: %w", err)
	}
	start := voice.Start()

	if len(s.active) > 0 || s.nextStart > 0 {
		s.metrics.PlaybackGap.Record(ctx, start-s.nextStart)
	}
	s.metrics.UnitsScheduled.Add(ctx, 1)

	u := Unit{ID: id, Start: start, Duration: buf.Duration()}
	s.active[id] = voice
	s.nextStart = u.End()
	slog.Debug("playback: scheduled unit", "id", id, "start", u.Start, "duration", u.Duration)
	return u, nil
}

// finished removes a completed unit from the active set. Units cleared by
// Interrupt are already gone, which makes late callbacks no-ops.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// stopAll clears the active set, moves the watermark to next, and stops the
// removed voices outside the lock because Stop may invoke completion
// callbacks synchronously.
func (s *Scheduler) stopAll(next func() float64) int {
	s.mu.Lock()
	voices := s.active
	s.active = make(map[uint64]audio.Voice)
	s.nextStart = next()
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return len(voices)
}

// Interrupt stops every active unit and resets NextStartTime to the output
// clock's current time. Safe to call repeatedly.
func (s *Scheduler) Interrupt() {
	n := s.stopAll(s.graph.CurrentTime)
	s.metrics.Interruptions.Add(context.Background(), 1)
	slog.Debug("playback: interrupted", "stopped", n)
}

// Reset stops every active unit and sets NextStartTime back to zero.
func (s *Scheduler) Reset() {
	s.stopAll(func() float64 { return 0 })
	s.analyzer.Reset()
}

// Close resets the scheduler and releases the output graph. Safe to call more
// than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Reset()
	s.graph.Tap(nil)
	if err := s.graph.Close(); err != nil {
		return fmt.Errorf("playback: close graph: %w", err)
	}
	return nil
}

// NextStartTime returns the scheduling watermark in output-clock seconds.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of units scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Level returns the current output volume level.
func (s *Scheduler) Level() float64 { return s.analyzer.Level() }
