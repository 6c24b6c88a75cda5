// Package executor manages the agent's command queue and dispatches incoming
// commands to the appropriate executor. It sits between the connection client
// (which receives execute_command events from the controller) and the local
// and remote executors (which do the actual work).
//
// The dispatcher runs a fixed pool of workers pulling from a FIFO queue. With
// the default pool size of one, commands on an agent execute strictly one at
// a time; a larger pool runs that many commands in parallel with no ordering
// guarantee between them. Each command runs to completion inside its worker —
// the only preemption is an explicit cancel_command, which cancels the
// command's context.
//
// Interfaces:
//   - Sink: implemented by the connection client, receives progress and
//     result payloads and forwards them to the controller as events.
//   - Executor: implemented by the local and remote variants; anything that
//     can report availability and run one command with streamed output.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/protocol"
)

// queueSize is the maximum number of commands that can be buffered while
// waiting for a worker. Commands beyond this limit are rejected with an
// immediate failure result rather than blocking the read loop.
const queueSize = 64

// Progress is one incremental output chunk produced while a command runs.
// Chunks are additive: each carries only output produced since the previous
// one.
type Progress struct {
	StdoutChunk string
	StderrChunk string
}

// ProgressFunc receives output chunks in emit order. It must not block beyond
// the lifetime of the command.
type ProgressFunc func(Progress)

// Result is the terminal outcome of one command execution. Exactly one Result
// is produced per executed command, including cancellations and setup
// failures.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	ExecutionType string
	Target        string
	Cancelled     bool
	Duration      time.Duration
}

// Executor runs a single command and streams its output. Implementations must
// honor context cancellation within a bounded time and always return a
// non-nil Result, even on failure.
type Executor interface {
	// Kind identifies the executor variant: "local" or "remote".
	Kind() string
	// Available reports whether the executor can run a command right now.
	Available() bool
	// Run executes command to completion. onProgress may be nil. The
	// returned Result is never nil; err carries setup or transport detail
	// already reflected in the Result.
	Run(ctx context.Context, command string, onProgress ProgressFunc) (*Result, error)
}

// Sink receives progress and result payloads produced during execution and
// forwards them to the controller. Implemented by the connection client.
type Sink interface {
	SendProgress(p *protocol.ProgressPayload)
	SendResult(p *protocol.ResultPayload)
}

// Dispatcher owns the command queue, the worker pool, and the per-command
// cancellation registry.
type Dispatcher struct {
	local   Executor
	remote  Executor // may be nil when no remote target is configured
	workers int
	queue   chan protocol.ExecuteCommandPayload
	logger  *zap.Logger

	// mu guards cancels. A command's cancel func is registered when its
	// worker picks it up and removed when the result has been sent.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Dispatcher. remote may be nil. workers <= 0 defaults to 1,
// the serialized execution the controller assumes unless told otherwise.
func New(local, remote Executor, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		local:   local,
		remote:  remote,
		workers: workers,
		queue:   make(chan protocol.ExecuteCommandPayload, queueSize),
		logger:  logger.Named("dispatcher"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained. sink is provided here (not at construction) so it can
// be the connection client, which is created after the dispatcher.
func (d *Dispatcher) Run(ctx context.Context, sink Sink) {
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers))

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.queue:
					d.execute(ctx, job, sink)
				}
			}
		}()
	}

	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue adds a command to the queue. Non-blocking: a full queue returns an
// error so the caller can answer with an immediate failure result instead of
// stalling the read loop.
func (d *Dispatcher) Enqueue(job protocol.ExecuteCommandPayload) error {
	select {
	case d.queue <- job:
		d.logger.Info("command enqueued",
			zap.String("command_id", job.CommandID),
			zap.String("target", string(job.ExecutionTarget)),
		)
		return nil
	default:
		return fmt.Errorf("executor: command queue full, rejecting %s", job.CommandID)
	}
}

// Cancel requests cancellation of a queued or running command. Returns true
// when the command was running and its context has been cancelled; a command
// still sitting in the queue cannot be cancelled here and will run to
// completion unless its deadline fires first.
func (d *Dispatcher) Cancel(commandID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[commandID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// InFlight returns the number of commands currently executing.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}

// execute runs a single command to completion and sends exactly one result.
//
// Sequence:
//  1. Select the executor per the execution target; a forced target whose
//     executor is unavailable fails here with an executor_unavailable result.
//  2. Register the cancel func so cancel_command can reach the run.
//  3. Emit an initial running progress frame, then stream output chunks.
//  4. Send the terminal command_result.
func (d *Dispatcher) execute(ctx context.Context, job protocol.ExecuteCommandPayload, sink Sink) {
	exec, errKind := d.selectExecutor(job.ExecutionTarget)
	if exec == nil {
		d.logger.Warn("no executor for target",
			zap.String("command_id", job.CommandID),
			zap.String("target", string(job.ExecutionTarget)),
		)
		sink.SendResult(&protocol.ResultPayload{
			CommandID:     job.CommandID,
			ExitCode:      -1,
			Stderr:        fmt.Sprintf("executor %q is not available on this agent", job.ExecutionTarget),
			ExecutionType: string(job.ExecutionTarget),
			ErrorKind:     errKind,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancels[job.CommandID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, job.CommandID)
		d.mu.Unlock()
	}()

	sink.SendProgress(&protocol.ProgressPayload{
		CommandID: job.CommandID,
		Status:    "running",
		Message:   "command started",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	onProgress := func(p Progress) {
		sink.SendProgress(&protocol.ProgressPayload{
			CommandID:   job.CommandID,
			Status:      "running",
			StdoutChunk: p.StdoutChunk,
			StderrChunk: p.StderrChunk,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}

	res, err := exec.Run(runCtx, job.Command, onProgress)
	if err != nil {
		d.logger.Warn("command finished with error",
			zap.String("command_id", job.CommandID),
			zap.String("executor", exec.Kind()),
			zap.Error(err),
		)
	} else {
		d.logger.Info("command finished",
			zap.String("command_id", job.CommandID),
			zap.String("executor", exec.Kind()),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
		)
	}

	payload := &protocol.ResultPayload{
		CommandID:     job.CommandID,
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExecutionType: res.ExecutionType,
		Target:        res.Target,
		Cancelled:     res.Cancelled,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if res.Cancelled {
		payload.ErrorKind = "cancelled"
	}
	sink.SendResult(payload)
}

// selectExecutor resolves an execution target to an executor.
//
//	auto   → remote when available, local otherwise
//	local  → local, or executor_unavailable
//	remote → remote, or executor_unavailable (no silent fallback)
//
// A nil return carries the error kind for the failure result.
func (d *Dispatcher) selectExecutor(target protocol.ExecutionTarget) (Executor, string) {
	switch target {
	case protocol.TargetRemote:
		if d.remote != nil && d.remote.Available() {
			return d.remote, ""
		}
		return nil, "executor_unavailable"
	case protocol.TargetLocal:
		if d.local != nil && d.local.Available() {
			return d.local, ""
		}
		return nil, "executor_unavailable"
	default: // auto, or anything unrecognized
		if d.remote != nil && d.remote.Available() {
			return d.remote, ""
		}
		if d.local != nil && d.local.Available() {
			return d.local, ""
		}
		return nil, "executor_unavailable"
	}
}
