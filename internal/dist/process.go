package dist

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// WorkerIndexEnv tells a worker process which slot of the pool it fills.
const WorkerIndexEnv = "LOCKSTEP_WORKER_INDEX"

// workerExitTimeout is how long a worker gets to exit after its stdin is
// closed before it is killed.
const workerExitTimeout = 20 * time.Second

// ProcessDialer starts each worker by running prog with args and talks to
// it over the child's stdin and stdout. The child's stderr is shared with
// the parent so worker logs stay visible.
func ProcessDialer(prog string, args ...string) Dialer {
	return func(ctx context.Context, index int) (io.ReadWriteCloser, error) {
		cmd := exec.CommandContext(ctx, prog, args...)
		cmd.Env = append(os.Environ(), WorkerIndexEnv+"="+strconv.Itoa(index))
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, fmt.Errorf("worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		return &procStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

// procStream is the parent's end of a worker process.
type procStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

func (s *procStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *procStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close closes the child's stdin and waits for it to exit, killing it if
// it takes too long.
func (s *procStream) Close() error {
	s.once.Do(func() {
		s.stdin.Close()
		exited := make(chan error, 1)
		go func() { exited <- s.cmd.Wait() }()
		select {
		case <-exited:
		case <-time.After(workerExitTimeout):
			s.cmd.Process.Kill()
			<-exited
		}
	})
	return nil
}

// Stdio is the worker's end of the stream: stdin and stdout of the
// current process.
func Stdio() io.ReadWriteCloser {
	return stdio{}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }
