// Package ffmpeg provides real audio devices backed by child processes and
// byte streams: microphone capture through ffmpeg, capture from any raw PCM
// reader, and playback through an ffplay pipe.
package ffmpeg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureStream = (*stream)(nil)
	_ audio.CaptureDevice = (*ReaderDevice)(nil)
)

const readChunk = 2048 // bytes per read from the source

// stream turns a raw PCM byte source into tap and block callbacks. A single
// goroutine reads the source, converts it to mono at the target rate and
// hands samples to the installed callbacks in order.
type stream struct {
	rate    int
	src     io.Reader
	conv    audio.FormatConverter
	srcFmt  audio.Format
	release func() error

	mu        sync.Mutex
	tap       func([]float32)
	process   func([]float32)
	blockSize int
	pending   []float32
	onEnd     func(error)

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

func newStream(src io.Reader, srcFmt audio.Format, rate int, release func() error) *stream {
	s := &stream{
		rate:    rate,
		src:     src,
		srcFmt:  srcFmt,
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: rate, Channels: 1}},
		release: release,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Tap(fn func(samples []float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = fn
}

func (s *stream) OnEnd(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = fn
}

func (s *stream) Process(blockSize int, fn func(block []float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = fn
	s.blockSize = blockSize
	s.pending = s.pending[:0]
}

// Close disconnects the callbacks, releases the source and waits for the
// read goroutine to exit. Safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.tap = nil
		s.process = nil
		s.onEnd = nil
		s.mu.Unlock()

		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
		s.wg.Wait()
	})
	return s.closeErr
}

// run reads until the source fails, then reports the end outside the wait
// group so that the end callback may call Close.
func (s *stream) run() {
	err := s.readLoop()
	s.wg.Done()
	if err == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		slog.Info("ffmpeg: capture source ended")
	} else {
		slog.Warn("ffmpeg: capture read failed", "err", err)
	}
	s.mu.Lock()
	fn := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// readLoop returns the error that ended the source, or nil after Close.
func (s *stream) readLoop() error {
	buf := make([]byte, readChunk)
	var carry []byte
	frameBytes := 2 * max(s.srcFmt.Channels, 1)
	for {
		n, err := s.src.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%frameBytes
			carry = append([]byte(nil), data[whole:]...)
			if whole > 0 {
				s.deliver(data[:whole])
			}
		}
		if err != nil {
			return err
		}
		select {
		case <-s.done:
			return nil
		default:
		}
	}
}

func (s *stream) deliver(pcm []byte) {
	frame := s.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: s.srcFmt.SampleRate,
		Channels:   s.srcFmt.Channels,
	})
	if len(frame.Data) == 0 {
		return
	}
	samples := audio.PCM16ToFloat(frame.Data)

	s.mu.Lock()
	tap := s.tap
	s.mu.Unlock()
	if tap != nil {
		tap(samples)
	}

	s.mu.Lock()
	if s.process == nil || s.blockSize <= 0 {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, samples...)
	var blocks [][]float32
	for len(s.pending) >= s.blockSize {
		block := make([]float32, s.blockSize)
		copy(block, s.pending[:s.blockSize])
		blocks = append(blocks, block)
		s.pending = s.pending[s.blockSize:]
	}
	fn := s.process
	s.mu.Unlock()

	for _, b := range blocks {
		fn(b)
	}
}

// ReaderDevice captures from raw little-endian int16 PCM read from a source,
// e.g. a file or stdin. Input in a different format is converted to mono at
// the requested rate.
type ReaderDevice struct {
	// Open returns the PCM source. It is called once per Acquire.
	Open func() (io.ReadCloser, error)

	// Format describes the source PCM.
	Format audio.Format
}

// Acquire opens the source. An Open failure is reported as an
// [*audio.PermissionError].
func (d *ReaderDevice) Acquire(_ context.Context, sampleRate int) (audio.CaptureStream, error) {
	if d.Open == nil {
		return nil, &audio.PermissionError{Device: "microphone", Err: errors.New("no source configured")}
	}
	rc, err := d.Open()
	if err != nil {
		return nil, &audio.PermissionError{Device: "microphone", Err: err}
	}
	f := d.Format
	if f.SampleRate <= 0 {
		f.SampleRate = sampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return newStream(rc, f, sampleRate, rc.Close), nil
}
