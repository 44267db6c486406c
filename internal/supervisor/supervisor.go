// Package supervisor keeps the migration worker process alive. Before the
// orchestrator dispatches a job it asks the supervisor to ensure the worker
// answers its health endpoint, spawning and babysitting the process when it
// does not.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/metrics"
)

// ErrWorkerUnavailable means the worker could not be reached and could not
// be started. The message carries the captured process output so it can land
// in the operation's error_message.
var ErrWorkerUnavailable = errors.New("worker unavailable")

type ProcessState string

const (
	StateStopped  ProcessState = "stopped"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateFailed   ProcessState = "failed"
)

// ServiceProcess is the supervisor's view of the managed worker.
type ServiceProcess struct {
	State          ProcessState `json:"state"`
	PID            int          `json:"pid,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	LastHealthOKAt *time.Time   `json:"last_health_ok_at,omitempty"`
	Required       bool         `json:"required"`
	Endpoint       string       `json:"endpoint"`
}

type Config struct {
	// Endpoint is the worker base URL, e.g. http://127.0.0.1:8041.
	Endpoint string
	// LaunchCommand overrides how the worker is started. It is split on
	// whitespace; no shell is involved. Empty means re-exec this binary
	// with the "worker" subcommand.
	LaunchCommand string
	// StartupTimeout bounds how long a spawned worker may take to answer
	// health probes.
	StartupTimeout time.Duration
}

type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	httpc  *http.Client

	pollInterval  time.Duration
	healthTimeout time.Duration

	// mu serializes all process mutations. Holding it across the whole
	// spawn-and-poll sequence is what guarantees at most one starting
	// process at a time.
	mu       sync.Mutex
	proc     ServiceProcess
	cmd      *exec.Cmd
	waitDone chan struct{}
	exitErr  error
	output   *ring
}

func New(cfg Config, logger zerolog.Logger) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	return &Supervisor{
		cfg:           cfg,
		logger:        logger.With().Str("component", "supervisor").Logger(),
		httpc:         &http.Client{Timeout: 5 * time.Second},
		pollInterval:  time.Second,
		healthTimeout: 5 * time.Second,
		proc: ServiceProcess{
			State:    StateStopped,
			Required: true,
			Endpoint: cfg.Endpoint,
		},
	}
}

// Status returns a snapshot of the managed process.
func (s *Supervisor) Status() ServiceProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// EnsureWorker returns once the worker answers health probes, starting it if
// necessary. Callers race freely: the first one through the mutex does the
// spawning, later ones find the worker healthy.
func (s *Supervisor) EnsureWorker(ctx context.Context) error {
	if s.probe(ctx) {
		s.mu.Lock()
		s.markHealthy()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have finished starting it while we waited.
	if s.probe(ctx) {
		s.markHealthy()
		return nil
	}

	if s.cmd == nil || s.dead() {
		if err := s.spawn(); err != nil {
			s.proc.State = StateFailed
			return err
		}
	}
	s.proc.State = StateStarting

	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrWorkerUnavailable, ctx.Err())
		case <-s.waitDone:
			out := strings.TrimSpace(s.output.String())
			s.proc.State = StateFailed
			s.cmd = nil
			s.logger.Error().Str("output", out).Msg("worker exited during startup")
			return fmt.Errorf("%w: worker exited during startup: %s: %s",
				ErrWorkerUnavailable, exitReason(s.exitErr), out)
		case <-time.After(s.pollInterval):
		}

		if s.probe(ctx) {
			s.markHealthy()
			s.logger.Info().Int("pid", s.proc.PID).Msg("worker became healthy")
			return nil
		}
		if time.Now().After(deadline) {
			out := strings.TrimSpace(s.output.String())
			s.killLocked()
			s.proc.State = StateFailed
			return fmt.Errorf("%w: worker not healthy after %s: %s",
				ErrWorkerUnavailable, s.cfg.StartupTimeout, out)
		}
	}
}

// Stop terminates a worker this supervisor spawned. Workers found already
// running are left alone.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.waitDone:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
		<-s.waitDone
	}
	s.proc.State = StateStopped
	s.proc.PID = 0
	s.cmd = nil
}

func (s *Supervisor) spawn() error {
	name, args, err := s.launchArgs()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	output := newRing(8192)
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %w", ErrWorkerUnavailable, name, err)
	}

	waitDone := make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.exitErr = err
		close(waitDone)
	}()

	now := time.Now()
	s.cmd = cmd
	s.waitDone = waitDone
	s.output = output
	s.proc.PID = cmd.Process.Pid
	s.proc.StartedAt = &now
	metrics.WorkerSpawns.Inc()

	s.logger.Info().Int("pid", cmd.Process.Pid).Str("command", name).Msg("spawned worker")
	return nil
}

func (s *Supervisor) launchArgs() (string, []string, error) {
	if s.cfg.LaunchCommand != "" {
		fields := strings.Fields(s.cfg.LaunchCommand)
		if len(fields) == 0 {
			return "", nil, errors.New("launch command is blank")
		}
		return fields[0], fields[1:], nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("resolve executable: %w", err)
	}
	return exe, []string{"worker"}, nil
}

func (s *Supervisor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) markHealthy() {
	now := time.Now()
	s.proc.State = StateRunning
	s.proc.LastHealthOKAt = &now
}

// dead reports whether a previously spawned process has exited. Wait has
// already reaped it by the time waitDone closes, so no zombies linger.
func (s *Supervisor) dead() bool {
	if s.waitDone == nil {
		return true
	}
	select {
	case <-s.waitDone:
		return true
	default:
		return false
	}
}

func (s *Supervisor) killLocked() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Kill()
	<-s.waitDone
	s.cmd = nil
	s.proc.PID = 0
}

func exitReason(err error) string {
	if err == nil {
		return "exited cleanly"
	}
	return err.Error()
}
