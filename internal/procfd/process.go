// Package procfd abstracts a child process the way the VM lifecycle
// controller needs it abstracted: start it, write to its stdin, observe
// its stdout/stderr line by line, kill it, and wait for it to exit — all
// surfaced as a single ordered event feed so a caller never has to poll.
package procfd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind identifies the shape of an Event.
type Kind int

const (
	Started Kind = iota
	Stdout
	Stderr
	StateChanged
	ErrorOccurred
	Finished
)

// Event is one item in a ProcessHandle's event feed. Which fields are
// meaningful depends on Kind: Line for Stdout/Stderr, Err for
// ErrorOccurred, ExitCode for Finished.
type Event struct {
	Kind     Kind
	Line     []byte
	Err      error
	ExitCode int
}

// ProcessHandle is the abstraction the VM lifecycle controller drives
// QEMU through. It never exposes the underlying *exec.Cmd so that the
// controller's state machine is testable against a fake.
type ProcessHandle interface {
	// Start spawns the process with extraArgs appended to the handle's
	// base argument set and returns once the spawn itself has either
	// succeeded or failed. A Started event follows on the event feed.
	Start(ctx context.Context, extraArgs []string) error
	// Write sends p to the process's stdin, used to carry QMP commands.
	Write(p []byte) (int, error)
	// Kill terminates the process. Idempotent: killing an already-dead
	// or never-started process is not an error.
	Kill() error
	// WaitForFinished blocks until the process has exited and returns
	// its exit code.
	WaitForFinished(ctx context.Context) (int, error)
	// Running reports whether the process is currently alive. Best
	// effort: a concurrent exit may race with the caller observing it.
	Running() bool
	// Events returns the handle's event feed. The channel is closed
	// once the process has finished and all buffered output drained.
	Events() <-chan Event
}

// Factory constructs ProcessHandle instances. Kept as an interface so
// VmLifecycle can be exercised against a fake process factory in tests,
// matching the collaborator named in spec.md (ProcessFactory).
type Factory interface {
	NewProcess(path string, baseArgs []string) ProcessHandle
}

type execFactory struct {
	log *logrus.Entry
}

// NewExecFactory returns a Factory that spawns real OS processes via
// os/exec.
func NewExecFactory(log *logrus.Entry) Factory {
	return &execFactory{log: log}
}

func (f *execFactory) NewProcess(path string, baseArgs []string) ProcessHandle {
	return &process{
		path:     path,
		baseArgs: baseArgs,
		log:      f.log,
		events:   make(chan Event, 64),
	}
}

type process struct {
	mu       sync.Mutex
	path     string
	baseArgs []string
	log      *logrus.Entry

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan Event
	running bool
	exited  chan struct{}
	exitErr error
	code    int

	pumps sync.WaitGroup
}

func (p *process) Start(ctx context.Context, extraArgs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	args := append(append([]string{}, p.baseArgs...), extraArgs...)
	cmd := exec.CommandContext(ctx, p.path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach stderr")
	}

	if err := cmd.Start(); err != nil {
		p.emit(Event{Kind: ErrorOccurred, Err: err})
		close(p.events)
		return errors.Wrap(err, "failed to start qemu instance")
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.exited = make(chan struct{})

	p.pumps.Add(2)
	go p.pump(Stdout, stdout)
	go p.pump(Stderr, stderr)
	go p.wait()

	p.emit(Event{Kind: Started})
	p.emit(Event{Kind: StateChanged})

	return nil
}

func (p *process) pump(kind Kind, r io.Reader) {
	defer p.pumps.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		p.emit(Event{Kind: kind, Line: line})
	}
}

// wait blocks for the child to exit and for both stdout/stderr pumps to
// finish draining before closing events, so a pump's in-flight emit can
// never race a close of the channel it sends on.
func (p *process) wait() {
	err := p.cmd.Wait()
	p.pumps.Wait()

	p.mu.Lock()
	p.running = false
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			p.exitErr = err
		}
	}
	p.code = code
	close(p.exited)
	p.mu.Unlock()

	if p.exitErr != nil {
		p.emit(Event{Kind: ErrorOccurred, Err: p.exitErr})
	}
	p.emit(Event{Kind: StateChanged})
	p.emit(Event{Kind: Finished, ExitCode: code})
	close(p.events)
}

func (p *process) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.WithField("kind", ev.Kind).Warn("process event channel full, dropping event")
	}
}

func (p *process) Write(b []byte) (int, error) {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return 0, fmt.Errorf("process not started")
	}
	return stdin.Write(b)
}

func (p *process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil || !running {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		p.log.WithError(err).Debug("kill returned error, process likely already exiting")
	}
	return nil
}

func (p *process) WaitForFinished(ctx context.Context) (int, error) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited == nil {
		return 0, fmt.Errorf("process not started")
	}
	select {
	case <-exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *process) Events() <-chan Event {
	return p.events
}
