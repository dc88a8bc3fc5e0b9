package playback_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/playback"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/mixer"
	"github.com/MrWong99/livevox/pkg/audio/mock"
)

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newScheduler(t *testing.T) (*playback.Scheduler, *mock.OutputGraph) {
	t.Helper()
	g := mock.NewOutputGraph(audio.PlaybackSampleRate)
	s := playback.New(g, playback.WithMetrics(noopMetrics(t)))
	t.Cleanup(func() { _ = s.Close() })
	return s, g
}

// frame returns a silent mono frame of n samples at rate.
func frame(n, rate int) audio.AudioFrame {
	return audio.EncodePCM16(make([]float32, n), rate)
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEnqueue_FirstUnitAtClockZero(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)

	u, err := s.Enqueue(context.Background(), frame(2400, 24000))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if u.Start != 0 || !almost(u.Duration, 0.1) {
		t.Errorf("unit = %+v, want start 0 duration 0.1", u)
	}
	if !almost(s.NextStartTime(), 0.1) {
		t.Errorf("NextStartTime = %v, want 0.1", s.NextStartTime())
	}
	if s.Active() != 1 {
		t.Errorf("Active = %d, want 1", s.Active())
	}
	units := g.Units()
	if len(units) != 1 || units[0].At != 0 || units[0].Buffer.Frames() != 2400 {
		t.Errorf("graph units = %+v", units)
	}
}

func TestEnqueue_BackToBackIsGapless(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, frame(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Enqueue(ctx, frame(4800, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if second.Start != first.End() {
		t.Errorf("second start = %v, want exactly %v", second.Start, first.End())
	}
	if s.NextStartTime() != second.End() {
		t.Errorf("NextStartTime = %v, want %v", s.NextStartTime(), second.End())
	}
}

func TestEnqueue_NonDecreasingStarts(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	ctx := context.Background()

	clock := []float64{0, 0.05, 0.05, 0.9, 0.91, 2.5, 2.5}
	sizes := []int{2400, 1200, 480, 2400, 24000, 1, 7}
	var prev playback.Unit
	for i := range clock {
		g.SetTime(clock[i])
		u, err := s.Enqueue(ctx, frame(sizes[i], 24000))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if u.Start < clock[i] {
			t.Errorf("unit %d starts at %v before clock %v", i, u.Start, clock[i])
		}
		if i > 0 && u.Start < prev.End() {
			t.Errorf("unit %d overlaps: start %v < previous end %v", i, u.Start, prev.End())
		}
		want := math.Max(prev.End(), clock[i])
		if i == 0 {
			want = clock[0]
		}
		if u.Start != want {
			t.Errorf("unit %d start = %v, want max(next, now) = %v", i, u.Start, want)
		}
		prev = u
	}
}

func TestEnqueue_LateChunkStartsNow(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, frame(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	g.SetTime(0.3)
	u, err := s.Enqueue(ctx, frame(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if u.Start != 0.3 {
		t.Errorf("start = %v, want 0.3", u.Start)
	}
}

// tickingGraph renders one block inside its first Start, before the voice is
// queued, as a render goroutine may do between CurrentTime and Start.
type tickingGraph struct {
	*mixer.Graph
	ticked bool
}

func (g *tickingGraph) Start(buf *audio.Buffer, at float64, onEnded func()) (audio.Voice, error) {
	if !g.ticked {
		g.ticked = true
		g.Render(480)
	}
	return g.Graph.Start(buf, at, onEnded)
}

func TestEnqueue_ClockAdvancesDuringSchedule(t *testing.T) {
	t.Parallel()
	mg := mixer.New(24000, nil, mixer.WithManualClock())
	t.Cleanup(func() { _ = mg.Close() })
	mg.Render(24000)

	var peak float32
	mg.Tap(func(mix []float32) {
		for _, v := range mix {
			peak = max(peak, float32(math.Abs(float64(v))))
		}
	})

	s := playback.New(&tickingGraph{Graph: mg}, playback.WithMetrics(noopMetrics(t)))
	ctx := context.Background()
	half := make([]float32, 2400)
	for i := range half {
		half[i] = 0.5
	}
	u1, err := s.Enqueue(ctx, audio.EncodePCM16(half, 24000))
	if err != nil {
		t.Fatal(err)
	}
	u2, err := s.Enqueue(ctx, audio.EncodePCM16(half, 24000))
	if err != nil {
		t.Fatal(err)
	}

	if !almost(u1.Start, 1.02) {
		t.Errorf("u1.Start = %v, want 1.02 (clock after the tick)", u1.Start)
	}
	if u2.Start < u1.End()-1e-9 {
		t.Errorf("u2.Start = %v overlaps u1 ending at %v", u2.Start, u1.End())
	}
	if !almost(s.NextStartTime(), u2.End()) {
		t.Errorf("NextStartTime = %v, want %v", s.NextStartTime(), u2.End())
	}

	mg.Render(4800)
	if peak > 0.51 {
		t.Errorf("peak mix = %v, want <= 0.5 (units overlapped)", peak)
	}
	if peak < 0.49 {
		t.Errorf("peak mix = %v, want the units to have played", peak)
	}
}

func TestEnqueue_CompletionRemovesUnit(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	ctx := context.Background()

	for range 2 {
		if _, err := s.Enqueue(ctx, frame(240, 24000)); err != nil {
			t.Fatal(err)
		}
	}
	g.Complete(0)
	if s.Active() != 1 {
		t.Errorf("Active = %d after one completion, want 1", s.Active())
	}
	g.Complete(1)
	if s.Active() != 0 {
		t.Errorf("Active = %d after both completions, want 0", s.Active())
	}
}

func TestInterrupt(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	ctx := context.Background()

	for range 3 {
		if _, err := s.Enqueue(ctx, frame(2400, 24000)); err != nil {
			t.Fatal(err)
		}
	}
	g.SetTime(0.15)
	s.Interrupt()

	if s.Active() != 0 {
		t.Errorf("Active = %d after interrupt, want 0", s.Active())
	}
	if s.NextStartTime() != 0.15 {
		t.Errorf("NextStartTime = %v, want clock time 0.15", s.NextStartTime())
	}
	for i, u := range g.Units() {
		if u.Stops() != 1 {
			t.Errorf("unit %d stopped %d times, want 1", i, u.Stops())
		}
	}

	// Late completion callbacks of the stopped units change nothing.
	for i := range g.Units() {
		g.Complete(i)
	}
	if s.Active() != 0 || s.NextStartTime() != 0.15 {
		t.Errorf("after late completions: active=%d next=%v", s.Active(), s.NextStartTime())
	}

	// Repeated interrupt is a no-op on an empty set.
	s.Interrupt()
	if s.Active() != 0 {
		t.Error("second interrupt should leave the set empty")
	}

	u, err := s.Enqueue(ctx, frame(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if u.Start != 0.15 {
		t.Errorf("post-interrupt start = %v, want 0.15", u.Start)
	}
}

func TestEnqueue_ResumesSuspendedGraph(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	g.SetState(audio.GraphSuspended)

	if _, err := s.Enqueue(context.Background(), frame(240, 24000)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if g.CallCountResume != 1 {
		t.Errorf("Resume calls = %d, want 1", g.CallCountResume)
	}
	if g.State() != audio.GraphRunning {
		t.Errorf("state = %v, want running", g.State())
	}

	if _, err := s.Enqueue(context.Background(), frame(240, 24000)); err != nil {
		t.Fatal(err)
	}
	if g.CallCountResume != 1 {
		t.Error("running graph should not be resumed again")
	}
}

func TestEnqueue_ResumeError(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	g.SetState(audio.GraphSuspended)
	g.ResumeErr = errors.New("device busy")

	if _, err := s.Enqueue(context.Background(), frame(240, 24000)); err == nil {
		t.Fatal("expected resume error")
	}
	if len(g.Units()) != 0 {
		t.Error("nothing should be scheduled when resume fails")
	}
}

func TestEnqueue_CodecErrorLeavesScheduleUntouched(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, frame(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	before := s.NextStartTime()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "odd length", data: []byte{1, 2, 3}},
		{name: "empty", data: nil},
	}
	for _, tt := range tests {
		_, err := s.Enqueue(ctx, audio.AudioFrame{Data: tt.data, SampleRate: 24000, Channels: 1})
		var ce *audio.CodecError
		if !errors.As(err, &ce) {
			t.Errorf("%s: err = %v, want *audio.CodecError", tt.name, err)
		}
	}
	if s.NextStartTime() != before || len(g.Units()) != 1 {
		t.Error("malformed frames must not change the schedule")
	}

	// Playback continues with the next valid unit.
	u, err := s.Enqueue(ctx, frame(2400, 24000))
	if err != nil || u.Start != before {
		t.Errorf("next unit = %+v, %v", u, err)
	}
}

func TestEnqueue_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)

	u, err := s.Enqueue(context.Background(), frame(1600, 16000))
	if err != nil {
		t.Fatal(err)
	}
	if !almost(u.Duration, 0.1) {
		t.Errorf("duration = %v, want 0.1", u.Duration)
	}
	if n := g.Units()[0].Buffer.Frames(); n != 2400 {
		t.Errorf("resampled frames = %d, want 2400", n)
	}
}

func TestEnqueue_StereoDownmix(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)

	stereo := audio.AudioFrame{Data: make([]byte, 2400*4), SampleRate: 24000, Channels: 2}
	u, err := s.Enqueue(context.Background(), stereo)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(u.Duration, 0.1) || g.Units()[0].Buffer.Channels != 1 {
		t.Errorf("unit = %+v, buffer channels = %d", u, g.Units()[0].Buffer.Channels)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	if _, err := s.Enqueue(context.Background(), frame(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	g.SetTime(0.05)
	s.Reset()
	if s.NextStartTime() != 0 || s.Active() != 0 {
		t.Errorf("after Reset: next=%v active=%d", s.NextStartTime(), s.Active())
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	g := mock.NewOutputGraph(audio.PlaybackSampleRate)
	s := playback.New(g, playback.WithMetrics(noopMetrics(t)))

	if _, err := s.Enqueue(context.Background(), frame(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if g.CallCountClose != 1 {
		t.Errorf("graph closed %d times, want 1", g.CallCountClose)
	}
	if s.NextStartTime() != 0 {
		t.Errorf("NextStartTime = %v after close, want 0", s.NextStartTime())
	}
	if _, err := s.Enqueue(context.Background(), frame(240, 24000)); !errors.Is(err, audio.ErrGraphClosed) {
		t.Errorf("Enqueue after Close: err = %v, want ErrGraphClosed", err)
	}
}

func TestLevel_FollowsMix(t *testing.T) {
	t.Parallel()
	s, g := newScheduler(t)
	if s.Level() != 0 {
		t.Errorf("initial level = %v", s.Level())
	}
	loud := make([]float32, 1024)
	for i := range loud {
		loud[i] = float32(math.Sin(2 * math.Pi * 1000 * float64(i) / 24000))
	}
	g.Feed(loud)
	if s.Level() <= 0 {
		t.Error("level should rise after a loud mix block")
	}
}

func TestMetrics_UnitsScheduled(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	s := playback.New(mock.NewOutputGraph(24000), playback.WithMetrics(m))
	defer s.Close()
	ctx := context.Background()
	_, _ = s.Enqueue(ctx, frame(240, 24000))
	_, _ = s.Enqueue(ctx, frame(240, 24000))
	_, _ = s.Enqueue(ctx, audio.AudioFrame{Data: []byte{1}, SampleRate: 24000})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{
		"livevox.playback.units_scheduled": 2,
		"livevox.playback.codec_errors":    1,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			n, ok := want[met.Name]
			if !ok {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if sum.DataPoints[0].Value != n {
				t.Errorf("%s = %d, want %d", met.Name, sum.DataPoints[0].Value, n)
			}
			delete(want, met.Name)
		}
	}
	if len(want) != 0 {
		t.Errorf("metrics not recorded: %v", want)
	}
}
