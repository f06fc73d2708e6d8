package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/caffeineduck/gorun/protocol"
	"github.com/caffeineduck/gorun/sandbox"
)

// Endpoint is the host side of a running worker.
type Endpoint struct {
	// Reader carries worker to host messages; Writer the reverse.
	Reader io.Reader
	Writer io.WriteCloser
	// Wait blocks until the worker has exited and returns its exit code.
	// It may be called more than once.
	Wait func() int
	// Kill stops the worker.
	Kill func() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, cfg sandbox.Config) (*Endpoint, error)
}

// InProcess runs each worker on its own goroutine behind a pair of pipes.
type InProcess struct{}

func (InProcess) Launch(_ context.Context, cfg sandbox.Config) (*Endpoint, error) {
	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	exit := make(chan int, 1)
	go func() {
		code := 0
		defer func() {
			if r := recover(); r != nil {
				if cfg.Logger != nil {
					cfg.Logger.Error("worker panicked", "panic", r)
				}
				code = 2
			}
			workerW.Close()
			workerR.Close()
			exit <- code
		}()
		if err := sandbox.Serve(ctx, cfg, protocol.NewDecoder(workerR), protocol.NewEncoder(workerW)); err != nil {
			code = 1
		}
	}()

	return &Endpoint{
		Reader: hostR,
		Writer: hostW,
		Wait:   waitOnce(func() int { return <-exit }),
		Kill: func() error {
			cancel()
			return hostW.Close()
		},
	}, nil
}

// Subprocess runs each worker as a child process speaking the protocol over
// its standard streams. The process is expected to call sandbox.ServeStdio;
// the worker configuration is written as the first line of its stdin.
type Subprocess struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

func (s Subprocess) Launch(_ context.Context, cfg sandbox.Config) (*Endpoint, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if err := protocol.NewEncoder(stdin).EncodeValue(cfg); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("send worker config: %w", err)
	}

	return &Endpoint{
		Reader: stdout,
		Writer: stdin,
		Wait: waitOnce(func() int {
			cmd.Wait()
			return cmd.ProcessState.ExitCode()
		}),
		Kill: func() error {
			return cmd.Process.Kill()
		},
	}, nil
}

func waitOnce(wait func() int) func() int {
	var (
		once sync.Once
		code int
	)
	return func() int {
		once.Do(func() { code = wait() })
		return code
	}
}
