// Package capture turns a microphone stream into outbound PCM frames.
//
// A [Pipeline] acquires the capture device at a fixed rate, taps the raw input
// for level metering, and once wired to a [Sender] hands every fixed-size
// block to the PCM codec and straight on to the transport. Sends never wait
// for acknowledgment; a transport that cannot keep up drops frames and says
// so through its error, which the pipeline only counts.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

var (
	// ErrNotAcquired is returned by Wire before a successful Acquire.
	ErrNotAcquired = errors.New("capture: microphone not acquired")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("capture: pipeline closed")
)

// Sender is the outbound half of a transport session.
type Sender interface {
	SendAudio(b audio.Blob) error
	SendText(text string) error
}

var _ Sender = (transport.Session)(nil)

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithSampleRate overrides the capture rate. Default: [audio.CaptureSampleRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) { p.rate = rate }
}

// WithBlockSize overrides the samples per frame. Default: [audio.CaptureBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) { p.blockSize = n }
}

// WithAnalyzer replaces the input level analyzer.
func WithAnalyzer(a *audio.Analyzer) Option {
	return func(p *Pipeline) { p.analyzer = a }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEndHandler sets fn to run when the microphone stops delivering input
// on its own, e.g. the capture process exited. It does not run after Close.
func WithEndHandler(fn func(err error)) Option {
	return func(p *Pipeline) { p.onEnd = fn }
}

// Pipeline owns one acquired input graph. It is safe for concurrent use.
type Pipeline struct {
	device    audio.CaptureDevice
	rate      int
	blockSize int
	analyzer  *audio.Analyzer
	metrics   *observe.Metrics
	onEnd     func(error)

	mu     sync.Mutex
	stream audio.CaptureStream
	wired  bool
	closed bool

	blocks  atomic.Int64
	dropped atomic.Int64
}

// New returns a Pipeline for device. Nothing is acquired until [Pipeline.Acquire].
func New(device audio.CaptureDevice, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:    device,
		rate:      audio.CaptureSampleRate,
		blockSize: audio.CaptureBlockSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.analyzer == nil {
		p.analyzer = audio.NewAnalyzer()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Acquire opens the microphone and installs the level tap. Failures are
// reported as [*audio.PermissionError].
func (p *Pipeline) Acquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.stream != nil {
		return nil
	}

	stream, err := p.device.Acquire(ctx, p.rate)
	if err != nil {
		var pe *audio.PermissionError
		if errors.As(err, &pe) {
			return err
		}
		return &audio.PermissionError{Device: "microphone", Err: err}
	}
	stream.Tap(p.analyzer.Write)
	stream.OnEnd(p.ended)
	p.stream = stream
	return nil
}

// ended runs on the stream's goroutine once its input stops.
func (p *Pipeline) ended(err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.analyzer.Reset()
	if p.onEnd != nil {
		p.onEnd(fmt.Errorf("capture: microphone stopped: %w", err))
	}
}

// Wire starts sending blocks to sender and then sends greeting once as a
// trigger turn. An empty greeting is skipped. Calling Wire again is a no-op.
func (p *Pipeline) Wire(sender Sender, greeting string) error {
	p.mu.Lock()
	if p.stream == nil {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	if p.wired {
		p.mu.Unlock()
		return nil
	}
	p.wired = true
	stream := p.stream
	p.mu.Unlock()

	rate := stream.SampleRate()
	stream.Process(p.blockSize, func(block []float32) {
		p.send(sender, block, rate)
	})

	if greeting == "" {
		return nil
	}
	if err := sender.SendText(greeting); err != nil {
		return fmt.Errorf("capture: greeting: %w", err)
	}
	return nil
}

// send encodes one block and hands it to the transport without waiting.
func (p *Pipeline) send(sender Sender, block []float32, rate int) {
	n := p.blocks.Add(1) - 1
	frame := audio.EncodePCM16(block, rate)
	frame.Timestamp = time.Duration(n) * time.Duration(len(block)) * time.Second / time.Duration(rate)

	ctx := context.Background()
	if err := sender.SendAudio(frame.Blob()); err != nil {
		p.dropped.Add(1)
		reason := "error"
		switch {
		case errors.Is(err, transport.ErrBackpressure):
			reason = "backpressure"
		case errors.Is(err, transport.ErrClosed):
			reason = "closed"
		}
		p.metrics.RecordFrameDropped(ctx, reason)
		slog.Debug("capture: frame dropped", "reason", reason, "timestamp", frame.Timestamp)
		return
	}
	p.metrics.FramesSent.Add(ctx, 1)
}

// Level returns the current input volume level.
func (p *Pipeline) Level() float64 { return p.analyzer.Level() }

// Stats reports how many blocks were captured and how many of them the
// transport refused.
func (p *Pipeline) Stats() (blocks, dropped int64) {
	return p.blocks.Load(), p.dropped.Load()
}

// Close disconnects the processing callback and releases the microphone.
// Safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	p.analyzer.Reset()
	if stream == nil {
		return nil
	}
	stream.OnEnd(nil)
	stream.Process(0, nil)
	stream.Tap(nil)
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: release microphone: %w", err)
	}
	return nil
}
