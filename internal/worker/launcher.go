// Package worker launches and supervises the external agent processes
// a run coordinates. Workers are opaque: the only contract is the
// environment they receive and the status records they write.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avhart/crew/internal/config"
)

// ErrLaunch indicates a worker process could not be started.
var ErrLaunch = errors.New("worker launch failed")

// LaunchSpec describes one worker process.
type LaunchSpec struct {
	RunID    string
	WorkerID string

	// Command and Args come from the roster role.
	Command string
	Args    []string

	// Dir is the process working directory, normally the plan workdir.
	Dir string

	// RunRoot is the run directory. Worker logs land in RunRoot/logs
	// and the contract env points workers at RunRoot/.status.
	RunRoot string

	// Feature is passed through to the worker env.
	Feature string

	// Deadline is the absolute per-worker timeout. Zero means none.
	Deadline time.Time

	// ExtraEnv entries are appended after the contract variables.
	ExtraEnv []string
}

func (s LaunchSpec) validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if s.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if s.Command == "" {
		return fmt.Errorf("worker command is required")
	}
	if s.RunRoot == "" {
		return fmt.Errorf("run root is required")
	}
	return nil
}

// Launcher starts worker processes. The scheduler only sees this
// interface, so tests drive it with scripted launchers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Handle, error)
}

// ExecLauncher launches real OS processes with stdout and stderr
// captured to RunRoot/logs/<worker>.log.
type ExecLauncher struct {
	// Grace is how long Terminate waits between SIGTERM and SIGKILL.
	Grace time.Duration

	logger *zap.Logger
}

// NewExecLauncher builds the production launcher.
func NewExecLauncher(grace time.Duration, logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{Grace: grace, logger: logger}
}

// Launch starts the worker and returns immediately. The returned handle
// reaps the process in the background, so Alive flips without zombies.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	logDir := filepath.Join(spec.RunRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create log dir: %v", ErrLaunch, err)
	}
	logPath := filepath.Join(logDir, spec.WorkerID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", ErrLaunch, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		config.EnvRunID+"="+spec.RunID,
		config.EnvWorkerID+"="+spec.WorkerID,
		config.EnvRunRoot+"="+spec.RunRoot,
		config.EnvFeature+"="+spec.Feature,
	)
	cmd.Env = append(cmd.Env, spec.ExtraEnv...)
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, spec.WorkerID, err)
	}

	h := &Handle{
		WorkerID:  spec.WorkerID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
		Deadline:  spec.Deadline,
		LogPath:   logPath,
		grace:     l.Grace,
		proc:      cmd.Process,
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	if l.logger != nil {
		l.logger.Debug("worker launched",
			zap.String("run_id", spec.RunID),
			zap.String("worker", spec.WorkerID),
			zap.Int("pid", h.PID),
			zap.String("log", logPath))
	}
	return h, nil
}

// Handle supervises one worker process, either launched by this
// coordinator or adopted from a previous one.
type Handle struct {
	WorkerID  string
	PID       int
	StartedAt time.Time
	Deadline  time.Time
	LogPath   string

	grace time.Duration

	// proc and done are set for processes this coordinator started.
	// Adopted handles probe the PID instead.
	proc *os.Process
	done chan struct{}

	mu         sync.Mutex
	waitErr    error
	terminated bool
}

// Adopt rebuilds a handle for a worker launched by a previous
// coordinator. Liveness is a PID probe, so a stale PID from before a
// reboot reads as dead.
func Adopt(workerID string, pid int, startedAt, deadline time.Time, logPath string, grace time.Duration) *Handle {
	return &Handle{
		WorkerID:  workerID,
		PID:       pid,
		StartedAt: startedAt,
		Deadline:  deadline,
		LogPath:   logPath,
		grace:     grace,
	}
}

// Adopted reports whether the process belongs to a previous coordinator.
func (h *Handle) Adopted() bool {
	return h.done == nil
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	if h.Adopted() {
		return pidAlive(h.PID)
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when an owned process exits. Adopted
// handles have no wait channel and return nil.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the wait error for an owned process that exited:
// nil for exit status 0, an *exec.ExitError otherwise.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Expired reports whether the worker ran past its deadline.
func (h *Handle) Expired(now time.Time) bool {
	return !h.Deadline.IsZero() && now.After(h.Deadline)
}

// Terminate stops the worker's process group, SIGTERM first and
// SIGKILL after the grace period. Idempotent and best-effort: a worker
// that already exited is not an error.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	if !h.Alive() {
		return
	}
	terminateTree(h.PID, h.grace)
}
