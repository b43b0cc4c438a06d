// Package runner connects the dispatcher to external execution runners.
//
// A Client speaks the stdio protocol of package protocol over a Transport:
// a local child process, an in-process pipe, or a remote process started
// over SSH. Every run or reconcile command gets its own runner session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/runner/protocol"
)

const (
	// DefaultStartupTimeout bounds the wait for READY.
	DefaultStartupTimeout = 10 * time.Second
	// DefaultCommandTimeout is announced to the runner for each command.
	DefaultCommandTimeout = 30 * time.Minute
	// DefaultCancelGrace is how long a cancelled run may take to report back.
	DefaultCancelGrace = 10 * time.Second
)

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration
	CommandTimeout time.Duration
	CancelGrace    time.Duration
	Logger         zerolog.Logger
}

// Client implements engine.Runner, engine.RunReconciler and
// engine.RunCanceller over the runner protocol.
type Client struct {
	transport      Transport
	startupTimeout time.Duration
	commandTimeout time.Duration
	cancelGrace    time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	active map[string]*conn
}

var (
	_ engine.Runner        = (*Client)(nil)
	_ engine.RunReconciler = (*Client)(nil)
	_ engine.RunCanceller  = (*Client)(nil)
)

// conn is one live runner session.
type conn struct {
	session *Session
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	ready   *protocol.ReadyMessage
}

// NewClient creates a runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Client{
		transport:      cfg.Transport,
		startupTimeout: cfg.StartupTimeout,
		commandTimeout: cfg.CommandTimeout,
		cancelGrace:    cfg.CancelGrace,
		logger:         cfg.Logger.With().Str("component", "runner-client").Logger(),
		active:         make(map[string]*conn),
	}, nil
}

// Run implements engine.Runner. Runner-side failures come back as a
// RunResult; an error means the runner could not be reached or did not
// answer.
func (c *Client) Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	params := &protocol.RunParams{
		RunID:           req.RunID,
		ChangeRequestID: req.ChangeRequestID,
		Operation:       req.Operation,
		WorkspaceID:     req.WorkspaceID,
		Payload:         req.Payload,
	}
	if err := params.Validate(); err != nil {
		return nil, engine.NewValidationError(err.Error())
	}

	cn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer cn.session.Close()

	c.track(req.RunID, cn)
	defer c.untrack(req.RunID)

	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeRun, c.commandTimeout, params)
	if err != nil {
		return nil, err
	}

	done, errMsg, err := c.execute(ctx, cn, cmd, req.RunID)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		status := engine.RunnerFatalError
		if errMsg.Retryable {
			status = engine.RunnerTransientError
		}
		return &engine.RunResult{Status: status, Message: fmt.Sprintf("%s: %s", errMsg.Code, errMsg.Message)}, nil
	}

	var outcome protocol.RunOutcome
	if err := protocol.ParseParams(done.Result, &outcome); err != nil {
		return nil, err
	}
	return &engine.RunResult{
		Status:         outcome.Status,
		LogRef:         outcome.LogRef,
		Message:        outcome.Message,
		ChangesSummary: outcome.ChangesSummary,
	}, nil
}

// Reconcile implements engine.RunReconciler. Runners that do not announce
// the reconcile capability leave the run unknown.
func (c *Client) Reconcile(ctx context.Context, run engine.Run) (engine.RunStatus, error) {
	cn, err := c.open(ctx)
	if err != nil {
		return engine.RunStatusUnknown, err
	}
	defer cn.session.Close()

	if !cn.ready.Caps[protocol.CapReconcile] {
		return engine.RunStatusUnknown, nil
	}

	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeReconcile, c.startupTimeout, &protocol.ReconcileParams{
		RunID:       run.ID,
		Operation:   run.Operation,
		WorkspaceID: run.WorkspaceID,
	})
	if err != nil {
		return engine.RunStatusUnknown, err
	}

	done, errMsg, err := c.execute(ctx, cn, cmd, "")
	if err != nil {
		return engine.RunStatusUnknown, err
	}
	if errMsg != nil {
		return engine.RunStatusUnknown, fmt.Errorf("reconcile failed: %s - %s", errMsg.Code, errMsg.Message)
	}

	var outcome protocol.ReconcileOutcome
	if err := protocol.ParseParams(done.Result, &outcome); err != nil {
		return engine.RunStatusUnknown, err
	}
	switch outcome.Status {
	case engine.RunStatusSucceeded, engine.RunStatusFatalError, engine.RunStatusUnknown:
		return outcome.Status, nil
	default:
		return engine.RunStatusUnknown, fmt.Errorf("runner reported unexpected reconcile status %q", outcome.Status)
	}
}

// Cancel implements engine.RunCanceller. Only runs in flight on this
// client can be cancelled; others are ignored.
func (c *Client) Cancel(_ context.Context, runID string) error {
	c.mu.Lock()
	cn, ok := c.active[runID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("run_id", runID).Msg("cancel requested for a run not in flight")
		return nil
	}
	if !cn.ready.Caps[protocol.CapCancel] {
		return fmt.Errorf("runner %s does not support cancellation", cn.ready.Runner)
	}
	return c.sendCancel(cn, runID)
}

func (c *Client) sendCancel(cn *conn, runID string) error {
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeCancel, c.cancelGrace, &protocol.CancelParams{RunID: runID})
	if err != nil {
		return err
	}
	if err := cn.enc.EncodeCommand(cmd); err != nil {
		return fmt.Errorf("failed to send cancel: %w", err)
	}
	c.logger.Info().Str("run_id", runID).Msg("cancel sent to runner")
	return nil
}

func (c *Client) track(runID string, cn *conn) {
	c.mu.Lock()
	c.active[runID] = cn
	c.mu.Unlock()
}

func (c *Client) untrack(runID string) {
	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()
}

// open starts a session and waits for READY.
func (c *Client) open(ctx context.Context) (*conn, error) {
	session, err := c.transport.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	cn := &conn{
		session: session,
		enc:     protocol.NewEncoder(session.Stdin),
		dec:     protocol.NewDecoder(session.Stdout),
	}

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := cn.dec.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	timer := time.NewTimer(c.startupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = session.Close()
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = session.Close()
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		if ready.Version != protocol.Version {
			_ = session.Close()
			return nil, fmt.Errorf("unsupported runner protocol version %q", ready.Version)
		}
		cn.ready = ready
		c.logger.Debug().Str("runner", ready.Runner).Int("pid", ready.PID).Msg("runner ready")
		return cn, nil
	}
}

type reply struct {
	done   *protocol.DoneMessage
	errMsg *protocol.ErrorMessage
	err    error
}

// execute sends cmd and reads until its DONE or ERROR. When ctx ends while
// a run is in flight the runner is asked to cancel and given a grace
// period to report back.
func (c *Client) execute(ctx context.Context, cn *conn, cmd *protocol.CommandMessage, runID string) (*protocol.DoneMessage, *protocol.ErrorMessage, error) {
	if err := cn.enc.EncodeCommand(cmd); err != nil {
		return nil, nil, fmt.Errorf("failed to send command: %w", err)
	}

	replyCh := make(chan reply, 1)
	go func() { replyCh <- c.await(cn, cmd.ID) }()

	select {
	case r := <-replyCh:
		return r.done, r.errMsg, r.err
	case <-ctx.Done():
	}

	if runID == "" || !cn.ready.Caps[protocol.CapCancel] {
		return nil, nil, ctx.Err()
	}
	if err := c.sendCancel(cn, runID); err != nil {
		return nil, nil, errors.Join(ctx.Err(), err)
	}

	grace := time.NewTimer(c.cancelGrace)
	defer grace.Stop()
	select {
	case r := <-replyCh:
		return r.done, r.errMsg, r.err
	case <-grace.C:
		return nil, nil, ctx.Err()
	}
}

func (c *Client) await(cn *conn, commandID string) reply {
	for {
		msg, err := cn.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return reply{err: fmt.Errorf("runner closed the stream before answering")}
			}
			return reply{err: fmt.Errorf("failed to read response: %w", err)}
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return reply{err: fmt.Errorf("failed to parse event: %w", err)}
			}
			c.logEvent(&event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return reply{err: fmt.Errorf("failed to parse done: %w", err)}
			}
			if done.CommandID != commandID {
				// Acknowledgement of a cancel command.
				continue
			}
			return reply{done: &done}

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return reply{err: fmt.Errorf("failed to parse error: %w", err)}
			}
			if errMsg.CommandID != "" && errMsg.CommandID != commandID {
				c.logger.Warn().Str("command_id", errMsg.CommandID).Str("code", errMsg.Code).Msg(errMsg.Message)
				continue
			}
			return reply{errMsg: &errMsg}

		case protocol.MessageTypeExit:
			return reply{err: fmt.Errorf("runner exited unexpectedly")}

		default:
			return reply{err: fmt.Errorf("unexpected message type: %s", msg.Type)}
		}
	}
}

func (c *Client) logEvent(event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "warn":
		e = c.logger.Warn()
	case "debug":
		e = c.logger.Debug()
	default:
		e = c.logger.Info()
	}
	e.Str("command_id", event.CommandID).Msg(event.Message)
}

