package worker

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/codefionn/hostlink/internal/logger"
)

// workerProcess owns one spawned worker executable and its stdio pipes. The
// connection holds exclusive ownership: the previous process is always killed
// before a new one is started, so reconnects never orphan a worker.
type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	killed  bool

	log *logger.Logger
}

// startWorkerProcess spawns the worker executable with stdio pipes attached.
// stderr is drained into the logger so worker panics are never lost.
func startWorkerProcess(command string, args []string, log *logger.Logger) (*workerProcess, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", command, err)
	}

	p := &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		log:    log,
	}

	go p.drainStderr(stderr)

	log.Info("worker process started (pid=%d)", cmd.Process.Pid)
	return p, nil
}

func (p *workerProcess) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.Warn("worker stderr: %s", scanner.Text())
	}
}

// writeLine sends one newline-terminated frame on the process channel
func (p *workerProcess) writeLine(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("process channel write failed: %w", err)
	}
	return nil
}

// kill terminates the process. Safe to call on an already-exited process.
func (p *workerProcess) kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.log.Debug("kill worker (pid=%d): %v", p.cmd.Process.Pid, err)
		}
	}
}

// wasKilled reports whether the exit was requested by us
func (p *workerProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// wait blocks until the process exits
func (p *workerProcess) wait() error {
	return p.cmd.Wait()
}

// reader exposes the worker's stdout for the connection's read loop
func (p *workerProcess) reader() io.Reader {
	return p.stdout
}

// pid returns the process ID, or 0 when unavailable
func (p *workerProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
