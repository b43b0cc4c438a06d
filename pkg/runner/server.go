package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/runner/protocol"
)

// Server exposes an engine.Runner over the stdio protocol. It is the
// runner side of a Client session.
type Server struct {
	name   string
	runner engine.Runner
	logger zerolog.Logger
}

// NewServer creates a protocol server for r.
func NewServer(name string, r engine.Runner, logger zerolog.Logger) *Server {
	return &Server{name: name, runner: r, logger: logger.With().Str("component", "runner-server").Logger()}
}

// Serve announces READY and handles commands until in is closed or ctx
// ends. Run commands execute concurrently so a cancel can reach them.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	_, canReconcile := s.runner.(engine.RunReconciler)
	canceller, _ := s.runner.(engine.RunCanceller)

	err := enc.EncodeReady(&protocol.ReadyMessage{
		Version: protocol.Version,
		Runner:  s.name,
		PID:     os.Getpid(),
		Caps: map[string]bool{
			protocol.CapReconcile: canReconcile,
			// Cancellation of in-flight runs is always possible through
			// their context.
			protocol.CapCancel: true,
		},
	})
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inflight = make(map[string]context.CancelFunc)
		total    int
	)
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			wg.Wait()
			_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "stdin closed", CommandsTotal: total})
			return nil
		}
		if err != nil {
			if serr := dec.Err(); serr != nil {
				return serr
			}
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: "INVALID_COMMAND", Message: err.Error()})
			continue
		}
		total++

		switch cmd.Type {
		case protocol.CommandTypeRun:
			var params protocol.RunParams
			if err := protocol.ParseParams(cmd.Params, &params); err != nil {
				_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "INVALID_PARAMS", Message: err.Error()})
				continue
			}
			runCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
			mu.Lock()
			inflight[params.RunID] = cancel
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(inflight, params.RunID)
					mu.Unlock()
					cancel()
				}()
				s.handleRun(runCtx, enc, cmd, &params)
			}()

		case protocol.CommandTypeCancel:
			var params protocol.CancelParams
			if err := protocol.ParseParams(cmd.Params, &params); err != nil {
				_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "INVALID_PARAMS", Message: err.Error()})
				continue
			}
			if canceller != nil {
				if err := canceller.Cancel(ctx, params.RunID); err != nil {
					s.logger.Warn().Err(err).Str("run_id", params.RunID).Msg("runner cancel failed")
				}
			}
			mu.Lock()
			cancel, ok := inflight[params.RunID]
			mu.Unlock()
			if ok {
				cancel()
			}
			s.done(enc, cmd, time.Now(), map[string]bool{"cancelled": ok})

		case protocol.CommandTypeReconcile:
			s.handleReconcile(ctx, enc, cmd)
		}
	}
}

func (s *Server) handleRun(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage, params *protocol.RunParams) {
	start := time.Now()
	_ = enc.EncodeEvent(&protocol.EventMessage{
		CommandID: cmd.ID,
		Level:     "info",
		Message:   fmt.Sprintf("%s started for workspace %s", params.Operation, params.WorkspaceID),
	})

	result, err := s.runner.Run(ctx, engine.RunRequest{
		RunID:           params.RunID,
		ChangeRequestID: params.ChangeRequestID,
		Operation:       params.Operation,
		WorkspaceID:     params.WorkspaceID,
		Payload:         params.Payload,
	})
	switch {
	case err != nil && ctx.Err() != nil:
		result = &engine.RunResult{Status: engine.RunnerCancelled, Message: err.Error()}
	case err != nil:
		_ = enc.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "RUN_FAILED",
			Message:   err.Error(),
			Retryable: engine.IsRetryable(err),
		})
		return
	}

	s.done(enc, cmd, start, &protocol.RunOutcome{
		Status:         result.Status,
		LogRef:         result.LogRef,
		Message:        result.Message,
		ChangesSummary: result.ChangesSummary,
	})
}

func (s *Server) handleReconcile(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) {
	start := time.Now()
	var params protocol.ReconcileParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "INVALID_PARAMS", Message: err.Error()})
		return
	}

	status := engine.RunStatusUnknown
	if rec, ok := s.runner.(engine.RunReconciler); ok {
		var err error
		status, err = rec.Reconcile(ctx, engine.Run{ID: params.RunID, Operation: params.Operation, WorkspaceID: params.WorkspaceID})
		if err != nil {
			_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "RECONCILE_FAILED", Message: err.Error(), Retryable: true})
			return
		}
	}
	s.done(enc, cmd, start, &protocol.ReconcileOutcome{Status: status})
}

func (s *Server) done(enc *protocol.Encoder, cmd *protocol.CommandMessage, start time.Time, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "ENCODE_FAILED", Message: err.Error()})
		return
	}
	if err := enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    raw,
		Duration:  time.Since(start).Seconds(),
	}); err != nil {
		s.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to send DONE")
	}
}
