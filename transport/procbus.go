package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/roasbeef/troupe/wire"
)

// pipeStream glues a read and a write pipe into one io.ReadWriteCloser so
// the frame socket can treat the stdio pair as a single stream.
type pipeStream struct {
	io.Reader
	io.Writer

	closers []io.Closer
}

func (p *pipeStream) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ProcBus is the parent half of a parent-child process channel. The child is
// spawned with its stdin/stdout wired to the frame protocol; stderr is
// inherited so child logs interleave with the parent's. One listening socket
// handle may be piggybacked onto the spawn as fd 3, the Go rendition of
// SCM_RIGHTS handle passing.
type ProcBus struct {
	idSource
	*emitter

	cmd  *exec.Cmd
	sock *wire.Socket

	closeOnce sync.Once
}

// ProcConfig describes the child process to spawn.
type ProcConfig struct {
	// Command is the argv of the worker binary.
	Command []string

	// Env entries are appended to the parent environment.
	Env []string

	// HandleFile, when non-nil, is a duplicated listening socket passed
	// to the child as fd 3.
	HandleFile *os.File
}

// SpawnProc starts the child process and returns the connected bus. The
// returned bus reports an exit when the child terminates for any reason.
func SpawnProc(ctx context.Context, cfg ProcConfig) (*ProcBus, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("spawn worker: empty command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr
	if cfg.HandleFile != nil {
		cmd.ExtraFiles = []*os.File{cfg.HandleFile}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	log.DebugS(ctx, "Spawned worker process",
		"pid", cmd.Process.Pid, "command", cfg.Command[0])

	bus := &ProcBus{
		emitter: newEmitter(),
		cmd:     cmd,
		sock: wire.NewSocket(&pipeStream{
			Reader:  stdout,
			Writer:  stdin,
			closers: []io.Closer{stdin},
		}),
	}

	go func() {
		readErr := bus.sock.ReadLoop(bus.dispatch)

		// The child owns the channel lifetime: once its stdout closes,
		// reap the process and surface the exit.
		waitErr := cmd.Wait()
		if readErr == nil {
			readErr = waitErr
		}

		bus.exit(readErr)
	}()

	return bus, nil
}

// Pid returns the child's process id.
func (b *ProcBus) Pid() int {
	return b.cmd.Process.Pid
}

// Send writes one frame to the child's stdin.
func (b *ProcBus) Send(_ context.Context, f *wire.Frame) error {
	if b.isExited() {
		return ErrBusClosed
	}

	return b.sock.WriteFrame(f)
}

// Close closes the channel and kills the child if it does not exit on its
// own accord.
func (b *ProcBus) Close() error {
	b.closeOnce.Do(func() {
		b.sock.Close()
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
	})

	return nil
}

// StdioBus is the child half of a parent-child process channel: frames are
// read from stdin and written to stdout. The worker entry installs one of
// these as its transport toward the parent.
type StdioBus struct {
	idSource
	*emitter

	sock *wire.Socket

	startOnce sync.Once
	closeOnce sync.Once
}

// NewStdioBus builds the child-side bus over the given stdio streams.
func NewStdioBus(in io.Reader, out io.Writer) *StdioBus {
	return &StdioBus{
		emitter: newEmitter(),
		sock: wire.NewSocket(&pipeStream{
			Reader: in,
			Writer: out,
		}),
	}
}

// Start launches the stdin read loop. The bus exits when stdin closes, which
// is how a child detects a vanished parent.
func (b *StdioBus) Start() {
	b.startOnce.Do(func() {
		go func() {
			err := b.sock.ReadLoop(b.dispatch)
			b.exit(err)
		}()
	})
}

// Send writes one frame to stdout.
func (b *StdioBus) Send(_ context.Context, f *wire.Frame) error {
	if b.isExited() {
		return ErrBusClosed
	}

	return b.sock.WriteFrame(f)
}

// Close stops the bus.
func (b *StdioBus) Close() error {
	b.closeOnce.Do(func() {
		b.sock.Close()
		b.exit(nil)
	})

	return nil
}
