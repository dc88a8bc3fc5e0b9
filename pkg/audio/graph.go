package audio

import "context"

// CaptureDevice acquires exclusive access to an input such as a microphone.
type CaptureDevice interface {
	// Acquire opens the device at sampleRate (mono). It fails with a
	// [*PermissionError] when access is denied or the device is unavailable.
	Acquire(ctx context.Context, sampleRate int) (CaptureStream, error)
}

// CaptureStream is an acquired input graph.
//
// Callbacks run on the stream's own goroutine and must not block. Blocks are
// delivered in capture order.
type CaptureStream interface {
	// SampleRate returns the rate of delivered samples.
	SampleRate() int

	// Tap installs fn to receive every raw chunk of input as it arrives,
	// independently of block extraction. Used for level metering. A nil fn
	// removes the tap.
	Tap(fn func(samples []float32))

	// Process installs fn to receive consecutive blocks of exactly blockSize
	// samples. A nil fn disconnects the processing callback. The slice passed
	// to fn is only valid for the duration of the call.
	Process(blockSize int, fn func(block []float32))

	// OnEnd installs fn to run once if the input stops on its own: err is
	// io.EOF when the source ran dry, the read error otherwise. fn does not
	// run after Close and may itself call Close. A nil fn removes it.
	OnEnd(fn func(err error))

	// Close disconnects all callbacks and releases the device. Safe to call
	// more than once.
	Close() error
}

// GraphState is the power state of an [OutputGraph].
type GraphState int

const (
	// GraphRunning means the output clock advances and units play.
	GraphRunning GraphState = iota

	// GraphSuspended means the clock is paused; it must be resumed before
	// new units are scheduled.
	GraphSuspended

	// GraphClosed means the graph has been released.
	GraphClosed
)

// String returns the human-readable name of the state.
func (s GraphState) String() string {
	switch s {
	case GraphRunning:
		return "running"
	case GraphSuspended:
		return "suspended"
	case GraphClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutputDevice opens output graphs on an audio sink such as a speaker.
type OutputDevice interface {
	Open(ctx context.Context, sampleRate int) (OutputGraph, error)
}

// OutputGraph is a mixing node on a monotonic output clock.
type OutputGraph interface {
	// SampleRate returns the rate of the graph clock.
	SampleRate() int

	// CurrentTime returns the output clock in seconds. It starts at zero and
	// never decreases.
	CurrentTime() float64

	// State returns the current power state.
	State() GraphState

	// Resume moves a suspended graph back to running.
	Resume(ctx context.Context) error

	// Start schedules buf to begin at clock time at (seconds). Times in the
	// past start immediately; [Voice.Start] reports the time actually used. onEnded runs exactly once, after the voice
	// finishes or is stopped; it may run on the goroutine that calls Stop.
	// It does not run when the graph is closed first.
	Start(buf *Buffer, at float64, onEnded func()) (Voice, error)

	// Tap installs fn to receive every rendered block of the mix. A nil fn
	// removes the tap.
	Tap(fn func(mix []float32))

	// Close releases the graph. Safe to call more than once.
	Close() error
}

// Voice is a handle on a scheduled buffer.
type Voice interface {
	// Start returns the clock time (seconds) the voice begins at. It may be
	// later than the requested time if the clock advanced in the meantime.
	Start() float64

	// Stop silences the voice immediately. Stopping a finished or already
	// stopped voice is a no-op.
	Stop()
}
