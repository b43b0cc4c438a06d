package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Transport starts runner processes. Each session is one process speaking
// the stdio protocol.
type Transport interface {
	Start(ctx context.Context) (*Session, error)
}

// Session is a running runner process.
type Session struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	closeOnce sync.Once
	closeErr  error
	close     func() error
}

// NewSession wraps the given pipes; closeFn is called once by Close.
func NewSession(stdin io.WriteCloser, stdout io.Reader, closeFn func() error) *Session {
	return &Session{Stdin: stdin, Stdout: stdout, close: closeFn}
}

// Close ends the session. Closing stdin asks the runner to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := s.Stdin.Close()
		if s.close != nil {
			if cerr := s.close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		s.closeErr = err
	})
	return s.closeErr
}

// LocalTransport runs the runner as a local child process.
type LocalTransport struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Start implements Transport.
func (t *LocalTransport) Start(ctx context.Context) (*Session, error) {
	if t.Command == "" {
		return nil, fmt.Errorf("runner command is required")
	}
	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Dir = t.Dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}

	return NewSession(stdin, stdout, func() error {
		// The runner exits when stdin closes; its exit status carries no
		// outcome because results travel over the protocol.
		_ = cmd.Wait()
		return nil
	}), nil
}

// PipeTransport connects to an in-process runner served on pipes. Used by
// tests and by the dev server's embedded runner.
type PipeTransport struct {
	// Serve runs the runner side until its input closes.
	Serve func(ctx context.Context, in io.Reader, out io.Writer) error
}

// Start implements Transport.
func (t *PipeTransport) Start(ctx context.Context) (*Session, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := t.Serve(serveCtx, inR, outW)
		_ = outW.CloseWithError(err)
		_ = inR.Close()
	}()

	return NewSession(inW, outR, func() error {
		// Unblock any pending write of the serving side before waiting.
		_ = outR.Close()
		cancel()
		<-done
		return nil
	}), nil
}
