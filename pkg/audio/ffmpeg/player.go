package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// Player plays mono s16le PCM through an ffplay child process. It is the sink
// behind the software output graph.
type Player struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewPlayer starts ffplay reading PCM at sampleRate from its stdin. binary
// defaults to "ffplay" on PATH. The signature matches mixer.Device.NewSink
// once the binary is bound.
func NewPlayer(_ context.Context, binary string, sampleRate int) (*Player, error) {
	if binary == "" {
		binary = "ffplay"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", binary, err)
	}
	cmd := exec.Command(path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	return &Player{cmd: cmd, stdin: stdin}, nil
}

// Write sends PCM to ffplay. It blocks while the pipe is full.
func (p *Player) Write(pcm []byte) (int, error) {
	p.mu.Lock()
	stdin, closed := p.stdin, p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return stdin.Write(pcm)
}

// Close stops ffplay. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	return nil
}
